package attendance

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"rollcall/internal/fingerprint"
	"rollcall/internal/metrics"
	"rollcall/internal/model"
	"rollcall/internal/netlookup"
	"rollcall/internal/proxy"
	"rollcall/internal/queue"
	"rollcall/internal/token"
	"rollcall/internal/window"
)

// Lifecycle is the auto-close machinery the service drives.
type Lifecycle interface {
	Arm(session model.Session)
	Cancel(sessionID string)
	SweepOnce(ctx context.Context, now time.Time) (int, error)
}

// Locator resolves a client address. It never fails.
type Locator interface {
	Lookup(ctx context.Context, addr string) netlookup.Info
}

// Options configure the service.
type Options struct {
	Location        *time.Location
	PublicBaseURL   string
	TokenRetryDelay time.Duration
	Proxy           proxy.Options
	Clock           func() time.Time
}

// SubjectInput is the payload for a new subject.
type SubjectInput struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
}

// SessionInput is the payload for a new session.
type SessionInput struct {
	SubjectID       string `json:"subject_id" validate:"required"`
	Date            string `json:"date" validate:"required,datetime=2006-01-02"`
	Time            string `json:"time" validate:"required,clock"`
	DurationMinutes *int   `json:"duration_minutes" validate:"omitempty,min=1,max=1440"`
}

// Device carries the request-side signals of a submission.
type Device struct {
	ClientIP  string
	UserAgent string
	Signals   *fingerprint.Signals
}

// Service coordinates sessions, the attendance window and submissions.
type Service struct {
	store     Store
	lifecycle Lifecycle
	locator   Locator
	events    queue.Queue
	issuer    *token.Issuer
	gate      *window.Gate
	detector  *proxy.Detector
	validate  *validator.Validate
	baseURL   string
	now       func() time.Time
	log       *zap.Logger
}

// NewService wires the service. lifecycle, locator and events may be nil.
func NewService(store Store, lifecycle Lifecycle, locator Locator, events queue.Queue, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Proxy.RateWindow <= 0 {
		opts.Proxy.RateWindow = proxy.DefaultRateWindow
	}
	if events == nil {
		events = queue.Discard{}
	}
	v := validator.New()
	if err := v.RegisterValidation("clock", validClock); err != nil {
		panic(fmt.Sprintf("register clock validation: %v", err))
	}
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	return &Service{
		store:     store,
		lifecycle: lifecycle,
		locator:   locator,
		events:    events,
		issuer:    token.NewIssuer(opts.TokenRetryDelay),
		gate:      window.NewGate(opts.Location),
		detector:  proxy.NewDetector(store, opts.Proxy, log),
		validate:  v,
		baseURL:   strings.TrimRight(opts.PublicBaseURL, "/"),
		now:       opts.Clock,
		log:       log,
	}
}

func validClock(fl validator.FieldLevel) bool {
	s := strings.TrimSpace(fl.Field().String())
	for _, layout := range []string{"15:04", "15:04:05"} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func (s *Service) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		return fieldError(fields[0])
	}
	return &ValidationError{Message: err.Error()}
}

func fieldError(fe validator.FieldError) *ValidationError {
	field := fe.Field()
	var msg string
	switch fe.Tag() {
	case "required":
		msg = fmt.Sprintf("%s is required", field)
	case "datetime":
		msg = fmt.Sprintf("%s must be a date formatted YYYY-MM-DD", field)
	case "clock":
		msg = fmt.Sprintf("%s must be a time formatted HH:MM", field)
	case "min":
		msg = fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		msg = fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		msg = fmt.Sprintf("%s is invalid", field)
	}
	return &ValidationError{Field: field, Message: msg}
}

// CreateSubject validates and stores a subject.
func (s *Service) CreateSubject(ctx context.Context, in SubjectInput) (model.Subject, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	if err := s.check(in); err != nil {
		return model.Subject{}, err
	}
	subject := model.Subject{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Description: in.Description,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateSubject(ctx, &subject); err != nil {
		return model.Subject{}, &StoreError{Op: "create subject", Err: err}
	}
	return subject, nil
}

// GetSubject loads a subject.
func (s *Service) GetSubject(ctx context.Context, id string) (model.Subject, error) {
	subject, err := s.store.GetSubject(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return model.Subject{}, ErrSubjectNotFound
	}
	if err != nil {
		return model.Subject{}, &StoreError{Op: "load subject", Err: err}
	}
	return subject, nil
}

// ListSubjects returns every subject.
func (s *Service) ListSubjects(ctx context.Context) ([]model.Subject, error) {
	subjects, err := s.store.ListSubjects(ctx)
	if err != nil {
		return nil, &StoreError{Op: "list subjects", Err: err}
	}
	return subjects, nil
}

// CreateSession schedules a session, issues its token and arms auto-close.
func (s *Service) CreateSession(ctx context.Context, in SessionInput) (model.Session, error) {
	in.Date = strings.TrimSpace(in.Date)
	in.Time = strings.TrimSpace(in.Time)
	if err := s.check(in); err != nil {
		return model.Session{}, err
	}
	if _, err := s.GetSubject(ctx, in.SubjectID); err != nil {
		return model.Session{}, err
	}

	session := model.Session{
		ID:        uuid.NewString(),
		SubjectID: in.SubjectID,
		Date:      in.Date,
		Time:      in.Time,
		IsActive:  true,
		CreatedAt: s.now().UTC(),
	}
	if in.DurationMinutes != nil {
		start, err := session.ScheduledAt(s.gate.Location())
		if err != nil {
			return model.Session{}, &ValidationError{Field: "date", Message: "date and time do not form a valid schedule"}
		}
		d := *in.DurationMinutes
		closeAt := start.Add(time.Duration(d) * time.Minute).UTC()
		session.DurationMinutes = &d
		session.AutoCloseAt = &closeAt
	}

	_, err := s.issuer.Issue(ctx, func(ctx context.Context, tok string) error {
		session.Token = tok
		err := s.store.CreateSession(ctx, &session)
		if errors.Is(err, ErrDuplicateToken) {
			metrics.TokenCollisions.Inc()
			s.log.Warn("session token collision, retrying", zap.String("session_id", session.ID))
			return token.ErrCollision
		}
		return err
	})
	if err != nil {
		var exhausted *token.ExhaustedError
		if errors.As(err, &exhausted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return model.Session{}, err
		}
		return model.Session{}, &StoreError{Op: "create session", Err: err}
	}

	metrics.SessionsCreated.Inc()
	if s.lifecycle != nil {
		s.lifecycle.Arm(session)
	}
	s.log.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("subject_id", session.SubjectID),
		zap.String("scheduled", session.Date+" "+session.Time),
	)
	return session, nil
}

// GetSession loads a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (model.Session, error) {
	session, err := s.store.GetSession(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return model.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return model.Session{}, &StoreError{Op: "load session", Err: err}
	}
	return session, nil
}

// SessionByToken resolves an attendance link token.
func (s *Service) SessionByToken(ctx context.Context, tok string) (model.Session, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return model.Session{}, ErrSessionNotFound
	}
	session, err := s.store.GetSessionByToken(ctx, tok)
	if errors.Is(err, ErrNotFound) {
		return model.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return model.Session{}, &StoreError{Op: "load session", Err: err}
	}
	return session, nil
}

// ListSessions returns a subject's sessions.
func (s *Service) ListSessions(ctx context.Context, subjectID string) ([]model.Session, error) {
	if _, err := s.GetSubject(ctx, subjectID); err != nil {
		return nil, err
	}
	sessions, err := s.store.ListSessions(ctx, subjectID)
	if err != nil {
		return nil, &StoreError{Op: "list sessions", Err: err}
	}
	return sessions, nil
}

// IssueSessionLink builds the student-facing link carrying the session token.
func (s *Service) IssueSessionLink(session model.Session) string {
	q := url.Values{}
	q.Set("session", session.Token)
	return s.baseURL + "/?" + q.Encode()
}

// CheckWindow reports whether session accepts submissions at now.
func (s *Service) CheckWindow(session model.Session, now time.Time) window.Decision {
	return s.gate.IsOpen(session, now)
}

// SubmitAttendance records a clean submission for student.
func (s *Service) SubmitAttendance(ctx context.Context, sessionID string, student model.Student, dev Device) (model.Record, error) {
	rec, err := s.submit(ctx, sessionID, student, dev)
	metrics.TrackSubmission(outcome(err))
	return rec, err
}

func (s *Service) submit(ctx context.Context, sessionID string, student model.Student, dev Device) (model.Record, error) {
	student.Name = strings.ToUpper(strings.TrimSpace(student.Name))
	student.ID = strings.ToUpper(strings.TrimSpace(student.ID))
	if student.Name == "" {
		return model.Record{}, &ValidationError{Field: "student_name", Message: "please enter your name"}
	}
	if student.ID == "" {
		return model.Record{}, &ValidationError{Field: "student_id", Message: "please enter your student id"}
	}

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return model.Record{}, err
	}

	now := s.now()
	if d := s.gate.IsOpen(session, now); !d.Open {
		return model.Record{}, &WindowClosedError{Reason: d.Reason, OpensAt: d.OpensAt, Wait: d.Wait}
	}

	exists, err := s.store.RecordExists(ctx, session.ID, student.ID)
	if err != nil {
		return model.Record{}, &StoreError{Op: "check existing attendance", Err: err}
	}
	if exists {
		return model.Record{}, ErrAlreadyMarked
	}

	info := netlookup.UnknownInfo(dev.ClientIP)
	if s.locator != nil {
		info = s.locator.Lookup(ctx, dev.ClientIP)
	}
	fp := fingerprint.FromRequest(dev.Signals, dev.UserAgent)
	if fp == "" {
		metrics.TrackDegraded("fingerprint")
	}

	verdict := s.detector.Check(ctx, session.ID, proxy.Candidate{Address: info.Address, Fingerprint: fp}, now)
	if verdict.Suspicious {
		s.log.Warn("suspicious submission blocked",
			zap.String("session_id", session.ID),
			zap.String("student_id", student.ID),
			zap.String("reason", verdict.Reason),
			zap.String("device", fingerprint.Describe(dev.UserAgent)),
		)
		return model.Record{}, &SuspiciousSubmissionError{Reason: verdict.Reason}
	}

	rec := model.Record{
		ID:          ulid.MustNew(ulid.Timestamp(now), ulid.Monotonic(rand.Reader, 0)).String(),
		SessionID:   session.ID,
		StudentID:   student.ID,
		StudentName: student.Name,
		SubmittedAt: now.UTC(),
		IPAddress:   info.Address,
		Fingerprint: fp,
		UserAgent:   dev.UserAgent,
		Location:    info.JSON(),
	}
	if err := s.store.InsertRecord(ctx, &rec); err != nil {
		if errors.Is(err, ErrDuplicateRecord) {
			return model.Record{}, ErrAlreadyMarked
		}
		return model.Record{}, &StoreError{Op: "record attendance", Err: err}
	}

	s.publish(ctx, queue.TypeAttendanceMarked, queue.AttendanceMarked{
		RecordID:    rec.ID,
		SessionID:   rec.SessionID,
		StudentID:   rec.StudentID,
		StudentName: rec.StudentName,
		Device:      fingerprint.Describe(dev.UserAgent),
	})
	s.log.Info("attendance marked", zap.String("session_id", rec.SessionID), zap.String("student_id", rec.StudentID))
	return rec, nil
}

func (s *Service) publish(ctx context.Context, typ string, body any) {
	msg, err := queue.NewMessage(typ, body, s.now())
	if err != nil {
		s.log.Warn("encode event", zap.String("type", typ), zap.Error(err))
		return
	}
	if err := s.events.Publish(ctx, msg); err != nil {
		s.log.Warn("publish event", zap.String("type", typ), zap.Error(err))
	}
}

func outcome(err error) string {
	var (
		invalid    *ValidationError
		closed     *WindowClosedError
		suspicious *SuspiciousSubmissionError
	)
	switch {
	case err == nil:
		return "accepted"
	case errors.As(err, &invalid), errors.Is(err, ErrSessionNotFound):
		return "invalid"
	case errors.As(err, &closed):
		return "window_closed"
	case errors.Is(err, ErrAlreadyMarked):
		return "duplicate"
	case errors.As(err, &suspicious):
		return "suspicious"
	default:
		return "error"
	}
}

// SetActive is the instructor's manual toggle. Deactivation cancels the
// armed timer. Reactivation keeps a future deadline and re-arms it; a
// deadline that already passed is cleared so the sweep does not undo the
// instructor's decision.
func (s *Service) SetActive(ctx context.Context, sessionID string, active bool) (model.Session, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}

	if active && session.AutoCloseAt != nil && !s.now().Before(*session.AutoCloseAt) {
		if err := s.store.ClearAutoClose(ctx, session.ID); err != nil {
			return model.Session{}, &StoreError{Op: "clear auto-close", Err: err}
		}
		session.AutoCloseAt = nil
		session.DurationMinutes = nil
	}

	changed, err := s.store.SetActive(ctx, session.ID, active)
	if err != nil {
		return model.Session{}, &StoreError{Op: "update session", Err: err}
	}
	session.IsActive = active

	if s.lifecycle != nil {
		if active {
			s.lifecycle.Arm(session)
		} else {
			s.lifecycle.Cancel(session.ID)
		}
	}
	if changed && !active {
		metrics.TrackClosed("manual", 1)
	}
	s.log.Info("session toggled", zap.String("session_id", session.ID), zap.Bool("active", active), zap.Bool("changed", changed))
	return session, nil
}

// RunSweepOnce closes every session whose deadline has passed.
func (s *Service) RunSweepOnce(ctx context.Context, now time.Time) (int, error) {
	if s.lifecycle == nil {
		return 0, nil
	}
	n, err := s.lifecycle.SweepOnce(ctx, now)
	if err != nil {
		return 0, &StoreError{Op: "sweep", Err: err}
	}
	return n, nil
}

// ListRecords returns the attendance of a session.
func (s *Service) ListRecords(ctx context.Context, sessionID string) ([]model.Record, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	records, err := s.store.ListRecords(ctx, sessionID)
	if err != nil {
		return nil, &StoreError{Op: "list attendance", Err: err}
	}
	return records, nil
}

// Now exposes the service clock to transports.
func (s *Service) Now() time.Time {
	return s.now()
}
