package model

import (
	"fmt"
	"strings"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Subject is a course or class that sessions are scheduled for.
type Subject struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is one scheduled class meeting that collects attendance.
type Session struct {
	ID              string     `json:"id"`
	SubjectID       string     `json:"subject_id"`
	Date            string     `json:"date"` // YYYY-MM-DD
	Time            string     `json:"time"` // HH:MM
	Token           string     `json:"token"`
	IsActive        bool       `json:"is_active"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	AutoCloseAt     *time.Time `json:"auto_close_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ScheduledAt combines the session date and time in loc.
// An empty time means midnight; HH:MM:SS is accepted as stored by Postgres.
func (s Session) ScheduledAt(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	clock := strings.TrimSpace(s.Time)
	if clock == "" {
		clock = "00:00"
	}
	layout := DateLayout + " " + TimeLayout
	if strings.Count(clock, ":") == 2 {
		layout += ":05"
	}
	t, err := time.ParseInLocation(layout, strings.TrimSpace(s.Date)+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("session %s schedule: %w", s.ID, err)
	}
	return t, nil
}

// Student identifies the person submitting attendance.
type Student struct {
	ID   string `json:"student_id"`
	Name string `json:"student_name"`
}

// Record is a persisted, clean attendance submission.
type Record struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	StudentID   string    `json:"student_id"`
	StudentName string    `json:"student_name"`
	SubmittedAt time.Time `json:"submitted_at"`
	IPAddress   string    `json:"ip_address,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	Location    string    `json:"location,omitempty"` // JSON of the network lookup
}

// Auto-close states reported by Session.AutoClose.
const (
	AutoClosePending  = "pending"
	AutoCloseExpired  = "expired"
	AutoCloseFinished = "finished"
)

// AutoCloseStatus describes a session's auto-close timer at a point in time.
type AutoCloseStatus struct {
	State            string    `json:"state"`
	At               time.Time `json:"at"`
	DurationMinutes  int       `json:"duration_minutes"`
	RemainingSeconds int       `json:"remaining_seconds"`
}

// AutoClose reports the timer state at now, or nil for open-ended sessions.
// An active session past its deadline is expired until the sweep closes it;
// a closed session is finished.
func (s Session) AutoClose(now time.Time) *AutoCloseStatus {
	if s.AutoCloseAt == nil || s.DurationMinutes == nil {
		return nil
	}
	st := &AutoCloseStatus{At: *s.AutoCloseAt, DurationMinutes: *s.DurationMinutes}
	left := s.AutoCloseAt.Sub(now)
	switch {
	case !s.IsActive:
		st.State = AutoCloseFinished
	case left > 0:
		st.State = AutoClosePending
		st.RemainingSeconds = int((left + time.Second - 1) / time.Second)
	default:
		st.State = AutoCloseExpired
	}
	return st
}
