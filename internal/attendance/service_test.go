package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/fingerprint"
	"rollcall/internal/model"
	"rollcall/internal/netlookup"
	"rollcall/internal/proxy"
	"rollcall/internal/queue"
	"rollcall/internal/scheduler"
	"rollcall/internal/token"
	"rollcall/internal/window"
)

type fakeLifecycle struct {
	mu        sync.Mutex
	armed     map[string]model.Session
	cancelled []string
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{armed: make(map[string]model.Session)}
}

func (f *fakeLifecycle) Arm(s model.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.IsActive && s.AutoCloseAt != nil {
		f.armed[s.ID] = s
	}
}

func (f *fakeLifecycle) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.armed, id)
	f.cancelled = append(f.cancelled, id)
}

func (f *fakeLifecycle) SweepOnce(context.Context, time.Time) (int, error) { return 0, nil }

func (f *fakeLifecycle) isArmed(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.armed[id]
	return ok
}

type echoLocator struct{}

func (echoLocator) Lookup(_ context.Context, addr string) netlookup.Info {
	if addr == "" {
		return netlookup.UnknownInfo("")
	}
	return netlookup.Info{Address: addr, City: "Springfield", Country: "Nowhere", Org: "Campus ISP"}
}

// collidingStore reports a token collision for the first n session inserts.
type collidingStore struct {
	*MemStore
	mu       sync.Mutex
	collide  int
	attempts int
}

func (c *collidingStore) CreateSession(ctx context.Context, s *model.Session) error {
	c.mu.Lock()
	c.attempts++
	collide := c.attempts <= c.collide
	c.mu.Unlock()
	if collide {
		return ErrDuplicateToken
	}
	return c.MemStore.CreateSession(ctx, s)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	svc       *Service
	store     *MemStore
	lifecycle *fakeLifecycle
	events    *queue.InMemory
	clock     *clock
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	f := fixture{
		store:     NewMemStore(),
		lifecycle: newFakeLifecycle(),
		events:    queue.NewInMemory(16),
		clock:     &clock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)},
	}
	opts.Clock = f.clock.Now
	if opts.PublicBaseURL == "" {
		opts.PublicBaseURL = "https://rollcall.example.edu/"
	}
	if opts.Proxy == (proxy.Options{}) {
		opts.Proxy = proxy.DefaultOptions()
	}
	f.svc = NewService(f.store, f.lifecycle, echoLocator{}, f.events, opts, zap.NewNop())
	return f
}

func (f fixture) session(t *testing.T, date, clock string, duration *int) model.Session {
	t.Helper()
	subject, err := f.svc.CreateSubject(context.Background(), SubjectInput{Name: "Distributed Systems"})
	if err != nil {
		t.Fatalf("CreateSubject: %v", err)
	}
	s, err := f.svc.CreateSession(context.Background(), SessionInput{
		SubjectID:       subject.ID,
		Date:            date,
		Time:            clock,
		DurationMinutes: duration,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func device(ip, screen string) Device {
	ua := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
	return Device{
		ClientIP:  ip,
		UserAgent: ua,
		Signals: &fingerprint.Signals{
			Screen:              screen,
			Timezone:            "Europe/Berlin",
			Language:            "en-US",
			Canvas:              "data:image/png;base64,iVBORw0KGgo",
			CookiesEnabled:      true,
			HardwareConcurrency: 8,
		},
	}
}

func intPtr(n int) *int { return &n }

func TestSubmitAttendance_EndToEnd(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s := f.session(t, "2024-03-01", "09:00", intPtr(60))

	wantClose := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if s.AutoCloseAt == nil || !s.AutoCloseAt.Equal(wantClose) {
		t.Fatalf("auto close = %v, want %v", s.AutoCloseAt, wantClose)
	}
	if !s.IsActive || s.Token == "" {
		t.Fatalf("new session should be active with a token: %+v", s)
	}
	if !f.lifecycle.isArmed(s.ID) {
		t.Fatal("auto-close timer not armed")
	}

	f.clock.Set(time.Date(2024, 3, 1, 8, 49, 59, 0, time.UTC))
	_, err := f.svc.SubmitAttendance(ctx, s.ID, model.Student{ID: "s-100", Name: "Ada"}, device("203.0.113.5", "1920x1080"))
	var closed *WindowClosedError
	if !errors.As(err, &closed) {
		t.Fatalf("expected WindowClosedError, got %v", err)
	}
	if closed.Reason != window.ReasonNotYetOpen || closed.Wait != time.Second {
		t.Fatalf("unexpected window error %+v", closed)
	}
	if !strings.Contains(closed.Error(), "1 minute") {
		t.Errorf("message should round the wait up: %q", closed.Error())
	}

	f.clock.Set(time.Date(2024, 3, 1, 8, 50, 0, 0, time.UTC))
	rec, err := f.svc.SubmitAttendance(ctx, s.ID, model.Student{ID: "s-100", Name: "Ada"}, device("203.0.113.5", "1920x1080"))
	if err != nil {
		t.Fatalf("submission at window open: %v", err)
	}
	if rec.StudentID != "S-100" || rec.StudentName != "ADA" {
		t.Errorf("student should be normalised, got %q %q", rec.StudentID, rec.StudentName)
	}
	if rec.IPAddress != "203.0.113.5" || rec.Fingerprint == "" || !strings.Contains(rec.Location, "Springfield") {
		t.Errorf("record missing signals: %+v", rec)
	}

	f.clock.Set(time.Date(2024, 3, 1, 8, 50, 10, 0, time.UTC))
	_, err = f.svc.SubmitAttendance(ctx, s.ID, model.Student{ID: "s-200", Name: "Grace"}, device("203.0.113.5", "1280x800"))
	var suspicious *SuspiciousSubmissionError
	if !errors.As(err, &suspicious) {
		t.Fatalf("expected suspicious submission, got %v", err)
	}
	if suspicious.Reason != "same network address as ADA" {
		t.Errorf("unexpected reason %q", suspicious.Reason)
	}

	records, err := f.svc.ListRecords(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("suspicious submission must not be stored, got %d records", len(records))
	}
}

func TestSubmitAttendance_FingerprintMatch(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s := f.session(t, "2024-03-01", "08:00", nil)

	if _, err := f.svc.SubmitAttendance(ctx, s.ID, model.Student{ID: "A1", Name: "Ada"}, device("203.0.113.5", "1920x1080")); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.SubmitAttendance(ctx, s.ID, model.Student{ID: "C3", Name: "Carol"}, device("198.51.100.7", "1920x1080"))
	var suspicious *SuspiciousSubmissionError
	if !errors.As(err, &suspicious) || suspicious.Reason != "same device fingerprint as ADA" {
		t.Fatalf("expected fingerprint match, got %v", err)
	}

	if _, err := f.svc.SubmitAttendance(ctx, s.ID, model.Student{ID: "D4", Name: "Dan"}, device("198.51.100.8", "2560x1440")); err != nil {
		t.Fatalf("distinct device should pass: %v", err)
	}
}

func TestSubmitAttendance_RateLimitWithoutAddressMatch(t *testing.T) {
	f := newFixture(t, Options{Proxy: proxy.Options{MatchAddress: false, RateWindow: 30 * time.Second}})
	ctx := context.Background()
	s := f.session(t, "2024-03-01", "08:00", nil)

	if _, err := f.svc.SubmitAttendance(ctx, s.ID, model.Student{ID: "A1", Name: "Ada"}, device("203.0.113.5", "1920x1080")); err != nil {
		t.Fatal(err)
	}

	f.clock.Set(f.clock.Now().Add(10 * time.Second))
	_, err := f.svc.SubmitAttendance(ctx, s.ID, model.Student{ID: "B2", Name: "Bob"}, device("203.0.113.5", "1280x800"))
	var suspicious *SuspiciousSubmissionError
	if !errors.As(err, &suspicious) || suspicious.Reason != "submission rate-limited" {
		t.Fatalf("expected rate limit, got %v", err)
	}

	f.clock.Set(f.clock.Now().Add(30 * time.Second))
	if _, err := f.svc.SubmitAttendance(ctx, s.ID, model.Student{ID: "B2", Name: "Bob"}, device("203.0.113.5", "1280x800")); err != nil {
		t.Fatalf("shared network after the rate window should pass: %v", err)
	}
}

func TestSubmitAttendance_Validation(t *testing.T) {
	f := newFixture(t, Options{})
	cases := []model.Student{
		{ID: "A1", Name: "   "},
		{ID: "", Name: "Ada"},
	}
	for _, st := range cases {
		_, err := f.svc.SubmitAttendance(context.Background(), "missing-session", st, Device{})
		var invalid *ValidationError
		if !errors.As(err, &invalid) {
			t.Errorf("%+v: expected validation error before any lookup, got %v", st, err)
		}
	}
}

func TestSubmitAttendance_UnknownSession(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.SubmitAttendance(context.Background(), "nope", model.Student{ID: "A1", Name: "Ada"}, Device{})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSubmitAttendance_AlreadyMarked(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s := f.session(t, "2024-03-01", "08:00", nil)

	if _, err := f.svc.SubmitAttendance(ctx, s.ID, model.Student{ID: "a1", Name: "Ada"}, device("203.0.113.5", "1920x1080")); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.SubmitAttendance(ctx, s.ID, model.Student{ID: " A1 ", Name: "Ada"}, device("198.51.100.7", "800x600"))
	if !errors.Is(err, ErrAlreadyMarked) {
		t.Fatalf("expected ErrAlreadyMarked, got %v", err)
	}
}

func TestSubmitAttendance_InactiveSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s := f.session(t, "2024-03-01", "08:00", nil)
	if _, err := f.svc.SetActive(ctx, s.ID, false); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.SubmitAttendance(ctx, s.ID, model.Student{ID: "A1", Name: "Ada"}, device("203.0.113.5", "1920x1080"))
	var closed *WindowClosedError
	if !errors.As(err, &closed) || closed.Reason != window.ReasonInactive {
		t.Fatalf("expected inactive window, got %v", err)
	}
}

func TestSubmitAttendance_DegradedSignalsStillAccepted(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s := f.session(t, "2024-03-01", "08:00", nil)

	for _, id := range []string{"A1", "B2"} {
		rec, err := f.svc.SubmitAttendance(ctx, s.ID, model.Student{ID: id, Name: id}, Device{})
		if err != nil {
			t.Fatalf("%s: missing signals must not block: %v", id, err)
		}
		if rec.IPAddress != netlookup.Unknown || rec.Fingerprint != "" {
			t.Errorf("%s: unexpected signals %+v", id, rec)
		}
	}
}

func TestSubmitAttendance_PublishesEvent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := f.session(t, "2024-03-01", "08:00", nil)

	rec, err := f.svc.SubmitAttendance(ctx, s.ID, model.Student{ID: "A1", Name: "Ada"}, device("203.0.113.5", "1920x1080"))
	if err != nil {
		t.Fatal(err)
	}
	ch, _ := f.events.Consume(ctx)
	select {
	case msg := <-ch:
		var body queue.AttendanceMarked
		if err := msg.Decode(&body); err != nil {
			t.Fatal(err)
		}
		if msg.Type != queue.TypeAttendanceMarked || body.RecordID != rec.ID || body.Device != "Chrome on Windows" {
			t.Errorf("unexpected event %s %+v", msg.Type, body)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestSubmitAttendance_FullQueueDoesNotBlock(t *testing.T) {
	f := newFixture(t, Options{})
	events := queue.NewInMemory(2)
	f.svc = NewService(f.store, f.lifecycle, echoLocator{}, events, Options{
		Clock: f.clock.Now,
		Proxy: proxy.DefaultOptions(),
	}, zap.NewNop())
	s := f.session(t, "2024-03-01", "08:00", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("S%d", i)
		start := time.Now()
		if _, err := f.svc.SubmitAttendance(ctx, s.ID, model.Student{ID: id, Name: "Student " + id},
			device(fmt.Sprintf("198.51.100.%d", i+1), fmt.Sprintf("%dx900", 1000+i))); err != nil {
			t.Fatalf("submission %d: %v", i, err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("submission %d waited %s on the event queue", i, elapsed)
		}
	}
	records, err := f.svc.ListRecords(context.Background(), s.ID)
	if err != nil || len(records) != 4 {
		t.Fatalf("records = %d, %v", len(records), err)
	}
}

func TestNewService_ClockValidation(t *testing.T) {
	f := newFixture(t, Options{})
	subject, err := f.svc.CreateSubject(context.Background(), SubjectInput{Name: "Compilers"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.CreateSession(context.Background(), SessionInput{SubjectID: subject.ID, Date: "2024-03-01", Time: "25:61"})
	var invalid *ValidationError
	if !errors.As(err, &invalid) || !strings.Contains(invalid.Message, "HH:MM") {
		t.Fatalf("clock tag must reject the time with its own message, got %v", err)
	}
	for _, ok := range []string{"09:00", "23:59:59"} {
		if _, err := f.svc.CreateSession(context.Background(), SessionInput{SubjectID: subject.ID, Date: "2024-03-01", Time: ok}); err != nil {
			t.Errorf("time %q: %v", ok, err)
		}
	}
}

func TestCreateSession_Validation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	subject, err := f.svc.CreateSubject(ctx, SubjectInput{Name: "Networks"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name  string
		in    SessionInput
		field string
	}{
		{"missing date", SessionInput{SubjectID: subject.ID, Time: "09:00"}, "date"},
		{"bad date", SessionInput{SubjectID: subject.ID, Date: "01/03/2024", Time: "09:00"}, "date"},
		{"missing time", SessionInput{SubjectID: subject.ID, Date: "2024-03-01"}, "time"},
		{"bad time", SessionInput{SubjectID: subject.ID, Date: "2024-03-01", Time: "9am"}, "time"},
		{"zero duration", SessionInput{SubjectID: subject.ID, Date: "2024-03-01", Time: "09:00", DurationMinutes: intPtr(0)}, "duration_minutes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateSession(ctx, tc.in)
			var invalid *ValidationError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if invalid.Field != tc.field {
				t.Errorf("field = %q, want %q", invalid.Field, tc.field)
			}
		})
	}

	_, err = f.svc.CreateSession(ctx, SessionInput{SubjectID: "missing", Date: "2024-03-01", Time: "09:00"})
	if !errors.Is(err, ErrSubjectNotFound) {
		t.Fatalf("expected ErrSubjectNotFound, got %v", err)
	}
}

func TestCreateSession_OpenEndedNotArmed(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.session(t, "2024-03-01", "09:00", nil)
	if s.AutoCloseAt != nil || s.DurationMinutes != nil {
		t.Fatalf("open-ended session carries a deadline: %+v", s)
	}
	if f.lifecycle.isArmed(s.ID) {
		t.Fatal("open-ended session must not be armed")
	}
}

func TestCreateSession_RetriesTokenCollision(t *testing.T) {
	store := &collidingStore{MemStore: NewMemStore(), collide: 2}
	svc := NewService(store, nil, nil, nil, Options{}, zap.NewNop())
	ctx := context.Background()

	subject, err := svc.CreateSubject(ctx, SubjectInput{Name: "Compilers"})
	if err != nil {
		t.Fatal(err)
	}
	s, err := svc.CreateSession(ctx, SessionInput{SubjectID: subject.ID, Date: "2024-03-01", Time: "09:00"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if store.attempts != 3 {
		t.Errorf("attempts = %d, want 3", store.attempts)
	}
	if n := len(s.Token); n < token.MinLength || n > token.MaxLength {
		t.Errorf("token length %d out of range", n)
	}
}

func TestCreateSession_TokenExhausted(t *testing.T) {
	store := &collidingStore{MemStore: NewMemStore(), collide: 100}
	svc := NewService(store, nil, nil, nil, Options{}, zap.NewNop())
	ctx := context.Background()

	subject, err := svc.CreateSubject(ctx, SubjectInput{Name: "Compilers"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.CreateSession(ctx, SessionInput{SubjectID: subject.ID, Date: "2024-03-01", Time: "09:00"})
	var exhausted *token.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if store.attempts != token.MaxAttempts {
		t.Errorf("attempts = %d, want %d", store.attempts, token.MaxAttempts)
	}
	sessions, _ := store.ListSessions(ctx, subject.ID)
	if len(sessions) != 0 {
		t.Errorf("no session should be stored, got %d", len(sessions))
	}
}

func TestSetActive_ReactivateKeepsFutureDeadline(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s := f.session(t, "2024-03-01", "09:00", intPtr(60))

	if _, err := f.svc.SetActive(ctx, s.ID, false); err != nil {
		t.Fatal(err)
	}
	if f.lifecycle.isArmed(s.ID) {
		t.Fatal("deactivation must cancel the timer")
	}

	got, err := f.svc.SetActive(ctx, s.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsActive || got.AutoCloseAt == nil || !got.AutoCloseAt.Equal(*s.AutoCloseAt) {
		t.Fatalf("future deadline should be preserved: %+v", got)
	}
	if !f.lifecycle.isArmed(s.ID) {
		t.Fatal("reactivation with a future deadline should re-arm")
	}
}

func TestSetActive_ReactivateClearsPassedDeadline(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s := f.session(t, "2024-03-01", "09:00", intPtr(60))

	f.clock.Set(time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC))
	if _, err := f.svc.SetActive(ctx, s.ID, false); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.SetActive(ctx, s.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.AutoCloseAt != nil || got.DurationMinutes != nil {
		t.Fatalf("passed deadline should be cleared: %+v", got)
	}
	stored, _ := f.store.GetSession(ctx, s.ID)
	if !stored.IsActive || stored.AutoCloseAt != nil {
		t.Fatalf("store not updated: %+v", stored)
	}
	if f.lifecycle.isArmed(s.ID) {
		t.Fatal("nothing to arm without a deadline")
	}
}

func TestRunSweepOnce_ClosesExpired(t *testing.T) {
	store := NewMemStore()
	sched := scheduler.New(store, 0, zap.NewNop())
	defer sched.Stop()
	clk := &clock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	svc := NewService(store, sched, nil, nil, Options{Clock: clk.Now}, zap.NewNop())
	ctx := context.Background()

	subject, err := svc.CreateSubject(ctx, SubjectInput{Name: "Databases"})
	if err != nil {
		t.Fatal(err)
	}
	s, err := svc.CreateSession(ctx, SessionInput{SubjectID: subject.ID, Date: "2024-03-01", Time: "09:00", DurationMinutes: intPtr(60)})
	if err != nil {
		t.Fatal(err)
	}

	n, err := svc.RunSweepOnce(ctx, time.Date(2024, 3, 1, 9, 59, 59, 0, time.UTC))
	if err != nil || n != 0 {
		t.Fatalf("early sweep: n=%d err=%v", n, err)
	}
	n, err = svc.RunSweepOnce(ctx, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	if err != nil || n != 1 {
		t.Fatalf("sweep at deadline: n=%d err=%v", n, err)
	}
	got, _ := svc.GetSession(ctx, s.ID)
	if got.IsActive {
		t.Fatal("session should be closed")
	}
	if sched.Armed(s.ID) {
		t.Fatal("sweep should cancel the armed timer")
	}
}

func TestIssueSessionLink(t *testing.T) {
	f := newFixture(t, Options{})
	link := f.svc.IssueSessionLink(model.Session{Token: "AbC123xyz0987654"})
	if link != "https://rollcall.example.edu/?session=AbC123xyz0987654" {
		t.Fatalf("unexpected link %q", link)
	}
}

func TestSessionByToken(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.session(t, "2024-03-01", "09:00", nil)

	got, err := f.svc.SessionByToken(context.Background(), s.Token)
	if err != nil || got.ID != s.ID {
		t.Fatalf("SessionByToken: %+v %v", got, err)
	}
	if _, err := f.svc.SessionByToken(context.Background(), "unknown-token"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
