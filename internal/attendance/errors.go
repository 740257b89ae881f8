package attendance

import (
	"errors"
	"fmt"
	"math"
	"time"

	"rollcall/internal/window"
)

var (
	ErrSubjectNotFound = errors.New("subject not found")
	ErrSessionNotFound = errors.New("session not found, check the attendance link with your instructor")
	ErrAlreadyMarked   = errors.New("attendance already marked for this student")
)

// ValidationError rejects input before any store call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// StoreError wraps any store failure other than an expected uniqueness violation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s failed: %v, please try again", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// WindowClosedError is returned for submissions outside the attendance window.
type WindowClosedError struct {
	Reason  string
	OpensAt time.Time
	Wait    time.Duration
}

func (e *WindowClosedError) Error() string {
	switch e.Reason {
	case window.ReasonNotYetOpen:
		mins := int(math.Ceil(e.Wait.Minutes()))
		unit := "minutes"
		if mins == 1 {
			unit = "minute"
		}
		return fmt.Sprintf("attendance not yet available, please wait %d %s; attendance opens 10 minutes before the scheduled session time", mins, unit)
	case window.ReasonInactive:
		return "this session is no longer active, please contact your instructor"
	default:
		return "this session has an invalid schedule, please contact your instructor"
	}
}

// SuspiciousSubmissionError blocks a submission correlated with another student's.
type SuspiciousSubmissionError struct {
	Reason string
}

func (e *SuspiciousSubmissionError) Error() string {
	return fmt.Sprintf("suspicious activity detected: %s; each student must use their own device and connection, contact your instructor if this is an error", e.Reason)
}
