package window

import (
	"time"

	"rollcall/internal/model"
)

// GracePeriod is how long before the scheduled time submissions are accepted.
const GracePeriod = 10 * time.Minute

const (
	ReasonOpen            = "open"
	ReasonNotYetOpen      = "not yet open"
	ReasonInactive        = "session inactive"
	ReasonInvalidSchedule = "invalid schedule"
)

// Decision is the gate's answer for one instant.
type Decision struct {
	Open    bool          `json:"open"`
	OpensAt time.Time     `json:"opens_at"`
	Wait    time.Duration `json:"-"`
	Reason  string        `json:"reason"`
}

// Gate decides whether a session currently accepts submissions. It reads
// IsActive but never enforces auto-close itself.
type Gate struct {
	loc *time.Location
}

// NewGate creates a gate that interprets session schedules in loc.
func NewGate(loc *time.Location) *Gate {
	if loc == nil {
		loc = time.UTC
	}
	return &Gate{loc: loc}
}

// IsOpen evaluates the window for s at now.
func (g *Gate) IsOpen(s model.Session, now time.Time) Decision {
	scheduled, err := s.ScheduledAt(g.loc)
	if err != nil {
		return Decision{Reason: ReasonInvalidSchedule}
	}
	opensAt := scheduled.Add(-GracePeriod)
	if now.Before(opensAt) {
		return Decision{OpensAt: opensAt, Wait: opensAt.Sub(now), Reason: ReasonNotYetOpen}
	}
	if !s.IsActive {
		return Decision{OpensAt: opensAt, Reason: ReasonInactive}
	}
	return Decision{Open: true, OpensAt: opensAt, Reason: ReasonOpen}
}

// Location is the zone schedules are interpreted in.
func (g *Gate) Location() *time.Location {
	return g.loc
}
