package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"rollcall/internal/model"
)

const (
	uniqueViolation = "23505"

	constraintSessionToken  = "class_sessions_session_token_key"
	constraintSessionRecord = "attendance_records_session_student_key"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id::text, subject_id::text, to_char(session_date, 'YYYY-MM-DD'), to_char(session_time, 'HH24:MI'),
	session_token, is_active, duration_minutes, auto_close_at, created_at`

const recordColumns = `id, session_id::text, student_id, student_name, marked_at,
	COALESCE(ip_address, ''), COALESCE(browser_fingerprint, ''), COALESCE(user_agent, ''), COALESCE(location_data::text, '')`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (model.Session, error) {
	var (
		s        model.Session
		duration sql.NullInt32
		closeAt  sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.SubjectID, &s.Date, &s.Time, &s.Token, &s.IsActive, &duration, &closeAt, &s.CreatedAt); err != nil {
		return model.Session{}, err
	}
	if duration.Valid {
		d := int(duration.Int32)
		s.DurationMinutes = &d
	}
	if closeAt.Valid {
		at := closeAt.Time.UTC()
		s.AutoCloseAt = &at
	}
	return s, nil
}

func scanRecord(row scanner) (model.Record, error) {
	var r model.Record
	err := row.Scan(&r.ID, &r.SessionID, &r.StudentID, &r.StudentName, &r.SubmittedAt,
		&r.IPAddress, &r.Fingerprint, &r.UserAgent, &r.Location)
	return r, err
}

// CreateSubject inserts a subject.
func (r *Repository) CreateSubject(ctx context.Context, subject *model.Subject) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subjects (id, name, description, created_at)
		VALUES ($1, $2, $3, $4)
	`, subject.ID, subject.Name, subject.Description, subject.CreatedAt)
	return err
}

// GetSubject returns a subject by id.
func (r *Repository) GetSubject(ctx context.Context, id string) (model.Subject, error) {
	var s model.Subject
	err := r.db.QueryRowContext(ctx, `
		SELECT id::text, name, description, created_at FROM subjects WHERE id::text = $1
	`, id).Scan(&s.ID, &s.Name, &s.Description, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subject{}, ErrNotFound
	}
	return s, err
}

// ListSubjects returns subjects newest first.
func (r *Repository) ListSubjects(ctx context.Context) ([]model.Subject, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id::text, name, description, created_at FROM subjects ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []model.Subject
	for rows.Next() {
		var s model.Subject
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CreateSession inserts a session. A token clash is reported as ErrDuplicateToken.
func (r *Repository) CreateSession(ctx context.Context, s *model.Session) error {
	var duration any
	if s.DurationMinutes != nil {
		duration = *s.DurationMinutes
	}
	var closeAt any
	if s.AutoCloseAt != nil {
		closeAt = *s.AutoCloseAt
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO class_sessions (id, subject_id, session_date, session_time, session_token, is_active, duration_minutes, auto_close_at, created_at)
		VALUES ($1, $2, $3::date, $4::time, $5, $6, $7, $8, $9)
	`, s.ID, s.SubjectID, s.Date, s.Time, s.Token, s.IsActive, duration, closeAt, s.CreatedAt)
	if violated(err, constraintSessionToken) {
		return fmt.Errorf("%w: %v", ErrDuplicateToken, err)
	}
	return err
}

// GetSession returns a session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (model.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM class_sessions WHERE id::text = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	return s, err
}

// GetSessionByToken resolves the token carried by an attendance link.
func (r *Repository) GetSessionByToken(ctx context.Context, token string) (model.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM class_sessions WHERE session_token = $1`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	return s, err
}

// ListSessions returns a subject's sessions, latest first.
func (r *Repository) ListSessions(ctx context.Context, subjectID string) ([]model.Session, error) {
	return r.querySessions(ctx, `SELECT `+sessionColumns+` FROM class_sessions
		WHERE subject_id::text = $1 ORDER BY session_date DESC, session_time DESC`, subjectID)
}

// ListAutoClosing returns active sessions that carry an auto-close deadline.
func (r *Repository) ListAutoClosing(ctx context.Context) ([]model.Session, error) {
	return r.querySessions(ctx, `SELECT `+sessionColumns+` FROM class_sessions
		WHERE is_active = TRUE AND auto_close_at IS NOT NULL`)
}

func (r *Repository) querySessions(ctx context.Context, query string, args ...any) ([]model.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SetActive flips is_active and reports whether the row changed.
func (r *Repository) SetActive(ctx context.Context, id string, active bool) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE class_sessions SET is_active = $2 WHERE id::text = $1 AND is_active <> $2
	`, id, active)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Deactivate closes a session; concurrent callers see exactly one change.
func (r *Repository) Deactivate(ctx context.Context, id string) (bool, error) {
	return r.SetActive(ctx, id, false)
}

// ClearAutoClose drops the deadline together with its duration.
func (r *Repository) ClearAutoClose(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE class_sessions SET auto_close_at = NULL, duration_minutes = NULL WHERE id::text = $1
	`, id)
	return err
}

// RecordExists checks the (session, student) pair.
func (r *Repository) RecordExists(ctx context.Context, sessionID, studentID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM attendance_records WHERE session_id::text = $1 AND student_id = $2)
	`, sessionID, studentID).Scan(&exists)
	return exists, err
}

// InsertRecord writes a clean submission. A second record for the same
// student is reported as ErrDuplicateRecord.
func (r *Repository) InsertRecord(ctx context.Context, rec *model.Record) error {
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, student_name, marked_at, ip_address, browser_fingerprint, user_agent, location_data)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, '')::jsonb)
	`, rec.ID, rec.SessionID, rec.StudentID, rec.StudentName, rec.SubmittedAt,
		rec.IPAddress, rec.Fingerprint, rec.UserAgent, rec.Location)
	if violated(err, constraintSessionRecord) {
		return fmt.Errorf("%w: %v", ErrDuplicateRecord, err)
	}
	return err
}

// ListRecords returns a session's records in submission order.
func (r *Repository) ListRecords(ctx context.Context, sessionID string) ([]model.Record, error) {
	return r.queryRecords(ctx, `SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id::text = $1 ORDER BY marked_at`, sessionID)
}

// RecordsByAddress returns records of the session sharing address.
func (r *Repository) RecordsByAddress(ctx context.Context, sessionID, address string) ([]model.Record, error) {
	return r.queryRecords(ctx, `SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id::text = $1 AND ip_address = $2 AND ip_address <> 'unknown' ORDER BY marked_at`, sessionID, address)
}

// RecordsByFingerprint returns records of the session sharing fingerprint.
func (r *Repository) RecordsByFingerprint(ctx context.Context, sessionID, fingerprint string) ([]model.Record, error) {
	return r.queryRecords(ctx, `SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id::text = $1 AND browser_fingerprint = $2 ORDER BY marked_at`, sessionID, fingerprint)
}

func (r *Repository) queryRecords(ctx context.Context, query string, args ...any) ([]model.Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func violated(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}
