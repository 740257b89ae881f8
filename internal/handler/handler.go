package handler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/fingerprint"
	"rollcall/internal/model"
	"rollcall/internal/proxy"
	"rollcall/internal/token"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) bool

type Handler struct {
	svc    *attendance.Service
	checks map[string]HealthCheck
	log    *zap.Logger
}

func New(svc *attendance.Service, checks map[string]HealthCheck, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, checks: checks, log: log}
}

// NewEngine returns a bare gin engine that only honours forwarding headers
// from the given proxies. With none, the client address is the peer address,
// so X-Forwarded-For cannot be forged past the proxy detector.
func NewEngine(trustedProxies []string) (*gin.Engine, error) {
	r := gin.New()
	if len(trustedProxies) == 0 {
		trustedProxies = nil
	}
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	return r, nil
}

// Register mounts every route. instructor guards the management API and
// public wraps the student endpoints.
func (h *Handler) Register(r gin.IRouter, instructor gin.HandlerFunc, public ...gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)

	admin := r.Group("/v1", instructor)
	admin.POST("/subjects", h.CreateSubject)
	admin.GET("/subjects", h.ListSubjects)
	admin.POST("/subjects/:id/sessions", h.CreateSession)
	admin.GET("/subjects/:id/sessions", h.ListSessions)
	admin.GET("/sessions/:id/link", h.SessionLink)
	admin.PATCH("/sessions/:id/active", h.SetActive)
	admin.GET("/sessions/:id/attendance", h.ListAttendance)
	admin.POST("/sweep", h.Sweep)

	students := r.Group("/v1/attend", public...)
	students.GET("/:token", h.Window)
	students.POST("/:token", h.Submit)
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for name, check := range h.checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---------- Subjects ----------

func (h *Handler) CreateSubject(c *gin.Context) {
	var req attendance.SubjectInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	subject, err := h.svc.CreateSubject(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, subject)
}

func (h *Handler) ListSubjects(c *gin.Context) {
	subjects, err := h.svc.ListSubjects(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subjects": orEmpty(subjects)})
}

// ---------- Sessions ----------

type createSessionRequest struct {
	Date            string `json:"date"`
	Time            string `json:"time"`
	DurationMinutes *int   `json:"duration_minutes"`
}

type sessionResponse struct {
	model.Session
	Link      string                 `json:"link"`
	AutoClose *model.AutoCloseStatus `json:"auto_close,omitempty"`
}

func (h *Handler) sessionView(s model.Session) sessionResponse {
	return sessionResponse{Session: s, Link: h.svc.IssueSessionLink(s), AutoClose: s.AutoClose(h.svc.Now())}
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	session, err := h.svc.CreateSession(c.Request.Context(), attendance.SessionInput{
		SubjectID:       c.Param("id"),
		Date:            req.Date,
		Time:            req.Time,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.sessionView(session))
}

func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.svc.ListSessions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	views := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, h.sessionView(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (h *Handler) SessionLink(c *gin.Context) {
	session, err := h.svc.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"link": h.svc.IssueSessionLink(session), "token": session.Token})
}

type setActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (h *Handler) SetActive(c *gin.Context) {
	var req setActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	session, err := h.svc.SetActive(c.Request.Context(), c.Param("id"), *req.Active)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sessionView(session))
}

func (h *Handler) ListAttendance(c *gin.Context) {
	records, err := h.svc.ListRecords(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records":  orEmpty(records),
		"count":    len(records),
		"analysis": proxy.Analyze(records),
	})
}

func (h *Handler) Sweep(c *gin.Context) {
	closed, err := h.svc.RunSweepOnce(c.Request.Context(), h.svc.Now())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}

// ---------- Students ----------

// Window tells the student page whether it may submit yet.
func (h *Handler) Window(c *gin.Context) {
	session, err := h.svc.SessionByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.fail(c, err)
		return
	}
	d := h.svc.CheckWindow(session, h.svc.Now())
	c.JSON(http.StatusOK, gin.H{
		"session_id":   session.ID,
		"date":         session.Date,
		"time":         session.Time,
		"open":         d.Open,
		"reason":       d.Reason,
		"opens_at":     d.OpensAt,
		"wait_seconds": waitSeconds(d.Wait),
	})
}

type submitRequest struct {
	StudentName string               `json:"student_name"`
	StudentID   string               `json:"student_id"`
	Device      *fingerprint.Signals `json:"device"`
}

func (h *Handler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	session, err := h.svc.SessionByToken(ctx, c.Param("token"))
	if err != nil {
		h.fail(c, err)
		return
	}
	rec, err := h.svc.SubmitAttendance(ctx, session.ID,
		model.Student{ID: req.StudentID, Name: req.StudentName},
		attendance.Device{ClientIP: c.ClientIP(), UserAgent: c.Request.UserAgent(), Signals: req.Device},
	)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":      "attendance marked, thank you " + rec.StudentName,
		"student_id":   rec.StudentID,
		"student_name": rec.StudentName,
		"submitted_at": rec.SubmittedAt,
	})
}

// ---------- Errors ----------

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error(), "code": "validation"})
}

func (h *Handler) fail(c *gin.Context, err error) {
	var (
		invalid    *attendance.ValidationError
		closed     *attendance.WindowClosedError
		suspicious *attendance.SuspiciousSubmissionError
		exhausted  *token.ExhaustedError
		storeErr   *attendance.StoreError
	)
	switch {
	case errors.As(err, &invalid):
		body := gin.H{"error": invalid.Error(), "code": "validation"}
		if invalid.Field != "" {
			body["field"] = invalid.Field
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, attendance.ErrSessionNotFound), errors.Is(err, attendance.ErrSubjectNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
	case errors.As(err, &closed):
		body := gin.H{"error": closed.Error(), "code": "window_closed", "reason": closed.Reason}
		if !closed.OpensAt.IsZero() {
			body["opens_at"] = closed.OpensAt
			body["wait_seconds"] = waitSeconds(closed.Wait)
		}
		c.JSON(http.StatusForbidden, body)
	case errors.As(err, &suspicious):
		c.JSON(http.StatusForbidden, gin.H{"error": suspicious.Error(), "code": "suspicious"})
	case errors.Is(err, attendance.ErrAlreadyMarked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "already_marked"})
	case errors.As(err, &exhausted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": exhausted.Error(), "code": "token_exhausted"})
	case errors.As(err, &storeErr):
		h.log.Error("store failure", zap.String("op", storeErr.Op), zap.Error(storeErr.Err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": storeErr.Error(), "code": "store"})
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "something went wrong, please try again", "code": "internal"})
	}
}

func waitSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
