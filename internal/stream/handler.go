// Package stream serves the per-task status WebSocket.
//
// A session authenticates the caller, checks task ownership, subscribes to
// the task's status channel and only then sends a snapshot of the stored
// state. Live events at or below the snapshot's sequence are dropped, so a
// transition racing the snapshot is delivered exactly once. Each heartbeat
// tick re-reads the task, so a status whose broadcast was lost still
// reaches the client. The session ends with 1000 after a terminal status,
// 1008 on any authorization or protocol failure and 1011 when the server
// cannot keep the stream alive.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phrazzld/canvas-api/internal/broadcast"
	"github.com/phrazzld/canvas-api/internal/config"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/platform/logger"
	"github.com/phrazzld/canvas-api/internal/ratelimit"
	"github.com/phrazzld/canvas-api/internal/service/auth"
)

// ErrProtocol marks a malformed client frame or an undecodable broadcast.
var ErrProtocol = errors.New("protocol error")

// Close reasons sent to clients. Authorization failures all share one
// reason so a client cannot probe which tasks exist.
const (
	reasonNotAuthorized   = "not authorized"
	reasonTerminal        = "task finished"
	reasonInactive        = "connection inactive"
	reasonProtocol        = "too many protocol errors"
	reasonRateLimited     = "too many connections"
	reasonUnavailable     = "status feed unavailable"
	reasonShuttingDown    = "server shutting down"
	maxClientMessageBytes = 4096
)

// TaskReader loads tasks by ID.
type TaskReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationTask, error)
}

// Feed supplies live status payloads and snapshots; *broadcast.Broadcaster
// satisfies it.
type Feed interface {
	Subscribe(ctx context.Context, taskID uuid.UUID) (*broadcast.Subscription, error)
	Snapshot(task *domain.GenerationTask) broadcast.StatusEvent
}

// RateGate limits connection attempts per owner.
type RateGate interface {
	Check(ctx context.Context, scope, identifier string) ratelimit.Decision
}

// Handler upgrades GET /api/tasks/{id}/stream requests and runs a session
// for each.
type Handler struct {
	tasks    TaskReader
	feed     Feed
	auth     auth.JWTService
	limiter  RateGate
	cfg      config.StreamConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates a Handler. limiter may be nil to skip connection
// rate limiting.
func NewHandler(
	tasks TaskReader,
	feed Feed,
	jwt auth.JWTService,
	limiter RateGate,
	cfg config.StreamConfig,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		tasks:   tasks,
		feed:    feed,
		auth:    jwt,
		limiter: limiter,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers send the page origin; access is gated by the token instead.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With(slog.String("component", "stream")),
		now:    time.Now,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	log := logger.FromContextOrDefault(r.Context(), h.logger).With(
		slog.String("component", "stream"),
		slog.String("remote_addr", r.RemoteAddr))

	s := &session{
		h:     h,
		conn:  conn,
		log:   log,
		token: bearerToken(r),
		rawID: chi.URLParam(r, "id"),
	}
	s.run(r.Context())
}

// bearerToken reads the token from the Authorization header, falling back
// to the access_token query parameter for browser clients that cannot set
// headers on a WebSocket handshake.
func bearerToken(r *http.Request) string {
	const prefix = "bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return r.URL.Query().Get("access_token")
}
