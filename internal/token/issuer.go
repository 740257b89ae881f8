package token

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

const (
	MinLength   = 16
	MaxLength   = 24
	MaxAttempts = 5

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// ErrCollision is returned by a persist callback when the store rejected the
// token because another session already holds it.
var ErrCollision = errors.New("session token already in use")

// ExhaustedError reports that no unique token could be stored.
type ExhaustedError struct {
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed to generate a unique session token after %d attempts, please try again in a moment", e.Attempts)
}

var processStart = time.Now()

// Issuer mints session tokens and retries persistence on collisions.
type Issuer struct {
	RetryDelay time.Duration
	mint       func() string
}

// NewIssuer creates an issuer that waits retryDelay before every retry.
func NewIssuer(retryDelay time.Duration) *Issuer {
	return &Issuer{RetryDelay: retryDelay, mint: Mint}
}

// Issue mints a token and hands it to persist. Only ErrCollision is retried.
func (i *Issuer) Issue(ctx context.Context, persist func(ctx context.Context, token string) error) (string, error) {
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if attempt > 1 && i.RetryDelay > 0 {
			t := time.NewTimer(i.RetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return "", ctx.Err()
			case <-t.C:
			}
		}
		tok := i.mint()
		err := persist(ctx, tok)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, ErrCollision) {
			return "", err
		}
	}
	return "", &ExhaustedError{Attempts: MaxAttempts}
}

// Mint builds a URL-safe token of 16 to 24 alphanumerics from wall-clock
// time, the monotonic clock and independent random draws.
func Mint() string {
	var raw strings.Builder
	raw.WriteString(strconv.FormatInt(time.Now().UnixMilli(), 36))
	raw.WriteString(randomBase36(8))
	raw.WriteString(strconv.FormatInt(time.Since(processStart).Nanoseconds(), 10))
	raw.WriteString(randomBase36(6))
	raw.WriteString(strconv.FormatInt(rand.Int64N(0xFFFFFF), 16))

	var tok strings.Builder
	for _, r := range raw.String() {
		if tok.Len() >= MaxLength {
			break
		}
		if isAlphanumeric(r) {
			tok.WriteRune(r)
		}
	}
	for tok.Len() < MinLength {
		tok.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return tok.String()
}

func randomBase36(n int) string {
	s := strconv.FormatUint(rand.Uint64(), 36)
	if len(s) > n {
		s = s[:n]
	}
	return s
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
