// Package proxy flags attendance submissions that look like one student
// marking for several. It is a best-effort deterrent: the store's
// (session, student) uniqueness constraint remains the real duplicate guard.
package proxy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/metrics"
	"rollcall/internal/model"
)

// UnknownAddress is the sentinel used when the client address could not be resolved.
const UnknownAddress = "unknown"

const DefaultRateWindow = 30 * time.Second

// Candidate carries the correlation signals of an incoming submission.
type Candidate struct {
	Address     string
	Fingerprint string
}

// Verdict is the detector's classification.
type Verdict struct {
	Suspicious   bool   `json:"suspicious"`
	Reason       string `json:"reason,omitempty"`
	PriorStudent string `json:"prior_student,omitempty"`
}

// Options tune the detector.
type Options struct {
	// MatchAddress flags any prior record from the same address. When off,
	// same-address records only feed the rate limit.
	MatchAddress bool
	RateWindow   time.Duration
}

// DefaultOptions returns the strict configuration.
func DefaultOptions() Options {
	return Options{MatchAddress: true, RateWindow: DefaultRateWindow}
}

// Evaluate classifies c against prior clean records of the same session
// that share its address or fingerprint. Checks run in order and the first
// match wins.
func Evaluate(c Candidate, sameAddress, sameFingerprint []model.Record, now time.Time, opts Options) Verdict {
	if opts.RateWindow <= 0 {
		opts.RateWindow = DefaultRateWindow
	}
	if opts.MatchAddress && len(sameAddress) > 0 {
		prior := sameAddress[0].StudentName
		return Verdict{Suspicious: true, Reason: "same network address as " + prior, PriorStudent: prior}
	}
	if len(sameFingerprint) > 0 {
		prior := sameFingerprint[0].StudentName
		return Verdict{Suspicious: true, Reason: "same device fingerprint as " + prior, PriorStudent: prior}
	}
	if len(sameAddress) > 0 {
		latest := sameAddress[0]
		for _, r := range sameAddress[1:] {
			if r.SubmittedAt.After(latest.SubmittedAt) {
				latest = r
			}
		}
		if now.Sub(latest.SubmittedAt) < opts.RateWindow {
			return Verdict{Suspicious: true, Reason: "submission rate-limited", PriorStudent: latest.StudentName}
		}
	}
	return Verdict{}
}

// History answers the detector's correlation queries.
type History interface {
	RecordsByAddress(ctx context.Context, sessionID, address string) ([]model.Record, error)
	RecordsByFingerprint(ctx context.Context, sessionID, fingerprint string) ([]model.Record, error)
}

// Detector runs Evaluate over records loaded from History.
type Detector struct {
	history History
	opts    Options
	log     *zap.Logger
}

// NewDetector creates a detector.
func NewDetector(history History, opts Options, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{history: history, opts: opts, log: log}
}

// Check evaluates c for sessionID. Missing signals and failed queries
// degrade to "not suspicious" instead of blocking the student.
func (d *Detector) Check(ctx context.Context, sessionID string, c Candidate, now time.Time) Verdict {
	var sameAddress, sameFingerprint []model.Record

	if c.Address != "" && c.Address != UnknownAddress {
		recs, err := d.history.RecordsByAddress(ctx, sessionID, c.Address)
		if err != nil {
			d.log.Warn("address correlation unavailable", zap.String("session_id", sessionID), zap.Error(err))
			metrics.TrackDegraded("history")
		}
		sameAddress = recs
	}

	if c.Fingerprint != "" {
		recs, err := d.history.RecordsByFingerprint(ctx, sessionID, c.Fingerprint)
		if err != nil {
			d.log.Warn("fingerprint correlation unavailable", zap.String("session_id", sessionID), zap.Error(err))
			metrics.TrackDegraded("history")
		}
		sameFingerprint = recs
	}

	return Evaluate(c, sameAddress, sameFingerprint, now, d.opts)
}
