package netlookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/metrics"
)

// Unknown is the sentinel used for every field that could not be resolved.
const Unknown = "unknown"

// Info is the best-effort network identity of a client.
type Info struct {
	Address string `json:"ip"`
	City    string `json:"city"`
	Country string `json:"country"`
	Org     string `json:"org"`

	Degraded bool `json:"-"`
}

// UnknownInfo returns the sentinel tuple, keeping addr when it is known.
func UnknownInfo(addr string) Info {
	if addr == "" {
		addr = Unknown
	}
	return Info{Address: addr, City: Unknown, Country: Unknown, Org: Unknown, Degraded: true}
}

// JSON renders the info for storage alongside an attendance record.
func (i Info) JSON() string {
	b, err := json.Marshal(i)
	if err != nil {
		return ""
	}
	return string(b)
}

// Cache stores resolved lookups.
type Cache interface {
	Get(ctx context.Context, addr string) (Info, bool)
	Set(ctx context.Context, addr string, info Info)
}

// Client resolves client addresses through an ipapi.co compatible service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool

	cache Cache
	log   *zap.Logger
}

// New creates a client with a short timeout; a lookup must never hold up a submission for long.
func New(baseURL string, skip bool, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Skip:    skip,
		HTTP:    &http.Client{Timeout: 3 * time.Second},
		log:     log,
	}
}

// WithCache attaches a cache for resolved lookups.
func (c *Client) WithCache(cache Cache) *Client {
	c.cache = cache
	return c
}

// Lookup resolves addr. It never fails: on any problem the sentinel tuple is
// returned with Degraded set.
func (c *Client) Lookup(ctx context.Context, addr string) Info {
	ip, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		metrics.TrackDegraded("network")
		return UnknownInfo("")
	}
	canonical := ip.Unmap().String()

	if c.Skip {
		return Info{Address: canonical, City: Unknown, Country: Unknown, Org: Unknown}
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
		return Info{Address: canonical, City: Unknown, Country: Unknown, Org: "local network"}
	}
	if c.cache != nil {
		if info, ok := c.cache.Get(ctx, canonical); ok {
			return info
		}
	}

	info, err := c.fetch(ctx, canonical)
	if err != nil {
		c.log.Warn("network lookup degraded", zap.String("ip", canonical), zap.Error(err))
		metrics.TrackDegraded("network")
		return UnknownInfo(canonical)
	}
	if c.cache != nil {
		c.cache.Set(ctx, canonical, info)
	}
	return info
}

func (c *Client) fetch(ctx context.Context, ip string) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s/json/", c.BaseURL, ip), nil)
	if err != nil {
		return Info{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Info{}, fmt.Errorf("lookup service error %s: %s", resp.Status, string(body))
	}

	var out struct {
		IP          string `json:"ip"`
		City        string `json:"city"`
		CountryName string `json:"country_name"`
		Org         string `json:"org"`
		Error       bool   `json:"error"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Info{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Error {
		return Info{}, fmt.Errorf("lookup rejected: %s", out.Reason)
	}

	return Info{
		Address: ip,
		City:    orUnknown(out.City),
		Country: orUnknown(out.CountryName),
		Org:     orUnknown(out.Org),
	}, nil
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}
