package attendance

import (
	"context"
	"errors"

	"rollcall/internal/model"
)

var (
	// ErrNotFound is returned by stores for missing rows.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateToken is the uniqueness violation on the session token.
	ErrDuplicateToken = errors.New("duplicate session token")
	// ErrDuplicateRecord is the uniqueness violation on (session, student).
	ErrDuplicateRecord = errors.New("duplicate attendance record")
)

// Store persists subjects, sessions and attendance records.
type Store interface {
	CreateSubject(ctx context.Context, subject *model.Subject) error
	GetSubject(ctx context.Context, id string) (model.Subject, error)
	ListSubjects(ctx context.Context) ([]model.Subject, error)

	CreateSession(ctx context.Context, session *model.Session) error
	GetSession(ctx context.Context, id string) (model.Session, error)
	GetSessionByToken(ctx context.Context, token string) (model.Session, error)
	ListSessions(ctx context.Context, subjectID string) ([]model.Session, error)
	// SetActive reports whether the flag changed.
	SetActive(ctx context.Context, id string, active bool) (bool, error)
	Deactivate(ctx context.Context, id string) (bool, error)
	ClearAutoClose(ctx context.Context, id string) error
	ListAutoClosing(ctx context.Context) ([]model.Session, error)

	RecordExists(ctx context.Context, sessionID, studentID string) (bool, error)
	InsertRecord(ctx context.Context, rec *model.Record) error
	ListRecords(ctx context.Context, sessionID string) ([]model.Record, error)
	RecordsByAddress(ctx context.Context, sessionID, address string) ([]model.Record, error)
	RecordsByFingerprint(ctx context.Context, sessionID, fingerprint string) ([]model.Record, error)
}
