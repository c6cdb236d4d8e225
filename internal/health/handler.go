package health

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"papertrade/internal/httputil"

	"go.uber.org/zap"
)

// Pinger is the primary dependency readiness depends on. The postgres pool
// satisfies it; the memory backend passes nil.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	db        Pinger
	backend   string
	startedAt time.Time
	timeout   time.Duration
	now       func() time.Time
	log       *zap.Logger
}

func NewHandler(db Pinger, backend string, startedAt time.Time, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	start := startedAt.UTC()
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return &Handler{
		db:        db,
		backend:   backend,
		startedAt: start,
		timeout:   time.Second,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
	}
}

type liveResponse struct {
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
	UptimeSec  int64  `json:"uptime_sec"`
	Goroutines int    `json:"goroutines"`
}

type readinessResponse struct {
	Status    string      `json:"status"`
	Timestamp string      `json:"timestamp"`
	Backend   string      `json:"backend"`
	Database  *dbResponse `json:"database,omitempty"`
}

type dbResponse struct {
	Reachable bool  `json:"reachable"`
	PingMs    int64 `json:"ping_ms"`
}

func (h *Handler) uptime(now time.Time) time.Duration {
	if d := now.Sub(h.startedAt); d > 0 {
		return d
	}
	return 0
}

// Live does not touch the database.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	httputil.WriteJSON(w, http.StatusOK, liveResponse{
		Status:     "ok",
		Timestamp:  now.Format(time.RFC3339),
		UptimeSec:  int64(h.uptime(now).Seconds()),
		Goroutines: runtime.NumGoroutine(),
	})
}

// Ready returns 503 while the database cannot be pinged. The endpoint is
// unauthenticated, so the ping error only goes to the log.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := readinessResponse{Status: "ok", Backend: h.backend}
	status := http.StatusOK
	if h.db != nil {
		start := time.Now()
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		err := h.db.Ping(ctx)
		cancel()
		resp.Database = &dbResponse{Reachable: err == nil, PingMs: time.Since(start).Milliseconds()}
		if err != nil {
			h.log.Warn("readiness ping failed", zap.String("backend", h.backend), zap.Error(err))
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	resp.Timestamp = h.now().Format(time.RFC3339)
	httputil.WriteJSON(w, status, resp)
}
