package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phrazzld/canvas-api/internal/broadcast"
	"github.com/phrazzld/canvas-api/internal/config"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/mocks"
	"github.com/phrazzld/canvas-api/internal/platform/logger"
	"github.com/phrazzld/canvas-api/internal/ratelimit"
	"github.com/phrazzld/canvas-api/internal/stream"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerToken    = "owner-token"
	intruderToken = "intruder-token"
)

type harness struct {
	t           *testing.T
	server      *httptest.Server
	tasks       *mocks.TaskStore
	broadcaster *broadcast.Broadcaster
	owner       uuid.UUID

	mu       sync.Mutex
	cancels  []context.CancelFunc
	limiter  *mocks.Limiter
	cfg      config.StreamConfig
	hasLimit bool
}

func defaultStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		HeartbeatInterval: time.Second,
		InactivityTimeout: 5 * time.Second,
		WriteTimeout:      time.Second,
		MaxProtocolErrors: 3,
	}
}

type option func(*harness)

func withConfig(cfg config.StreamConfig) option {
	return func(h *harness) { h.cfg = cfg }
}

func withLimiter(l *mocks.Limiter) option {
	return func(h *harness) {
		h.limiter = l
		h.hasLimit = true
	}
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()

	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	_, log := logger.NewTestLogger(t)
	h := &harness{
		t:           t,
		tasks:       mocks.NewTaskStore(),
		broadcaster: broadcast.New(rdb, log),
		owner:       uuid.New(),
		cfg:         defaultStreamConfig(),
	}
	for _, opt := range opts {
		opt(h)
	}

	jwt := mocks.TokensFor(map[string]uuid.UUID{
		ownerToken:    h.owner,
		intruderToken: uuid.New(),
	})

	var handler *stream.Handler
	if h.hasLimit {
		handler = stream.NewHandler(h.tasks, h.broadcaster, jwt, h.limiter, h.cfg, log)
	} else {
		handler = stream.NewHandler(h.tasks, h.broadcaster, jwt, nil, h.cfg, log)
	}

	r := chi.NewRouter()
	r.With(h.cancelable).Get("/api/tasks/{id}/stream", handler.ServeHTTP)
	h.server = httptest.NewServer(r)
	t.Cleanup(h.server.Close)
	return h
}

// cancelable lets a test simulate server shutdown for open sessions.
func (h *harness) cancelable(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		h.mu.Lock()
		h.cancels = append(h.cancels, cancel)
		h.mu.Unlock()
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *harness) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, cancel := range h.cancels {
		cancel()
	}
}

func (h *harness) queuedTask() *domain.GenerationTask {
	h.t.Helper()
	params, err := domain.ParameterInput{}.Resolve(func() int64 { return 7 })
	require.NoError(h.t, err)
	task, err := domain.NewGenerationTask(h.owner, "lighthouse in fog", params, 1, "canvas", time.Now())
	require.NoError(h.t, err)
	h.tasks.Put(task)
	return task
}

func (h *harness) transition(id uuid.UUID, tr domain.Transition) *domain.GenerationTask {
	h.t.Helper()
	task, err := h.tasks.UpdateStatus(context.Background(), id, tr)
	require.NoError(h.t, err)
	return task
}

func (h *harness) publish(task *domain.GenerationTask) {
	h.t.Helper()
	require.NoError(h.t, h.broadcaster.Publish(context.Background(), task))
}

func (h *harness) dial(taskID string, token string) *websocket.Conn {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/api/tasks/" + taskID + "/stream"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(h.t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	h.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// next reads the next non-heartbeat frame.
func next(t *testing.T, conn *websocket.Conn) broadcast.StatusEvent {
	t.Helper()
	for {
		ev := readFrame(t, conn)
		if ev.Type != broadcast.EventHeartbeat {
			return ev
		}
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) broadcast.StatusEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev broadcast.StatusEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

// expectClose reads until the server closes the connection, skipping
// heartbeats, and returns the close frame.
func expectClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := conn.ReadMessage()
		if err == nil {
			var ev broadcast.StatusEvent
			require.NoError(t, json.Unmarshal(data, &ev))
			require.Equal(t, broadcast.EventHeartbeat, ev.Type, "unexpected frame before close: %s", data)
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce
	}
}

func TestStream_TerminalSnapshotClosesImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	task := h.queuedTask()
	h.transition(task.ID, domain.Transition{Status: domain.TaskStatusProcessing})
	h.transition(task.ID, domain.Transition{Status: domain.TaskStatusCompleted, ResultKey: "results/out.png"})

	conn := h.dial(task.ID.String(), ownerToken)

	snap := readFrame(t, conn)
	assert.Equal(t, broadcast.EventSnapshot, snap.Type)
	assert.Equal(t, domain.TaskStatusCompleted, snap.Status)
	assert.True(t, snap.Terminal)
	assert.Equal(t, "results/out.png", snap.ResultKey)
	assert.Equal(t, 3, snap.Sequence)

	ce := expectClose(t, conn)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func TestStream_LiveUpdatesUntilTerminal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	task := h.queuedTask()

	conn := h.dial(task.ID.String(), ownerToken)
	snap := next(t, conn)
	require.Equal(t, broadcast.EventSnapshot, snap.Type)
	require.Equal(t, domain.TaskStatusQueued, snap.Status)
	require.Equal(t, 1, snap.Sequence)

	h.publish(h.transition(task.ID, domain.Transition{Status: domain.TaskStatusProcessing}))
	ev := next(t, conn)
	assert.Equal(t, broadcast.EventUpdate, ev.Type)
	assert.Equal(t, domain.TaskStatusProcessing, ev.Status)
	assert.Equal(t, 2, ev.Sequence)
	assert.False(t, ev.Terminal)

	h.publish(h.transition(task.ID, domain.Transition{Status: domain.TaskStatusFailed, ErrorMessage: "model unavailable"}))
	ev = next(t, conn)
	assert.Equal(t, domain.TaskStatusFailed, ev.Status)
	assert.Equal(t, "model unavailable", ev.Error)
	assert.True(t, ev.Terminal)

	ce := expectClose(t, conn)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func TestStream_DropsEventsAlreadyCoveredBySnapshot(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	task := h.queuedTask()
	processing := h.transition(task.ID, domain.Transition{Status: domain.TaskStatusProcessing})

	conn := h.dial(task.ID.String(), ownerToken)
	snap := next(t, conn)
	require.Equal(t, 2, snap.Sequence)

	// A late delivery of the transition the snapshot already reflects.
	h.publish(processing)
	h.publish(task)
	h.publish(h.transition(task.ID, domain.Transition{Status: domain.TaskStatusCompleted, ResultKey: "r.png"}))

	ev := next(t, conn)
	assert.Equal(t, 3, ev.Sequence)
	assert.Equal(t, domain.TaskStatusCompleted, ev.Status)
	assert.Equal(t, websocket.CloseNormalClosure, expectClose(t, conn).Code)
}

func TestStream_RejectsUnauthorizedCallers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		token  string
		taskID func(existing uuid.UUID) string
	}{
		{"missing token", "", func(id uuid.UUID) string { return id.String() }},
		{"invalid token", "forged", func(id uuid.UUID) string { return id.String() }},
		{"not the owner", intruderToken, func(id uuid.UUID) string { return id.String() }},
		{"unknown task", ownerToken, func(uuid.UUID) string { return uuid.New().String() }},
		{"malformed task id", ownerToken, func(uuid.UUID) string { return "not-a-uuid" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			task := h.queuedTask()

			conn := h.dial(tc.taskID(task.ID), tc.token)

			require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
			_, data, err := conn.ReadMessage()
			require.Error(t, err, "no frame may precede the close, got %s", data)
			var ce *websocket.CloseError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
			assert.Equal(t, "not authorized", ce.Text)
		})
	}
}

func TestStream_TokenFromQueryParameter(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	task := h.queuedTask()

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/api/tasks/" + task.ID.String() + "/stream?access_token=" + ownerToken
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()

	assert.Equal(t, broadcast.EventSnapshot, next(t, conn).Type)
}

func TestStream_HeartbeatsKeepIdleConnectionOpen(t *testing.T) {
	t.Parallel()
	cfg := defaultStreamConfig()
	cfg.HeartbeatInterval = 40 * time.Millisecond
	cfg.InactivityTimeout = time.Second
	h := newHarness(t, withConfig(cfg))
	task := h.queuedTask()

	conn := h.dial(task.ID.String(), ownerToken)
	require.Equal(t, broadcast.EventSnapshot, readFrame(t, conn).Type)

	heartbeats := 0
	deadline := time.Now().Add(4 * cfg.HeartbeatInterval)
	for time.Now().Before(deadline) {
		ev := readFrame(t, conn)
		require.Equal(t, broadcast.EventHeartbeat, ev.Type)
		assert.Equal(t, task.ID, ev.TaskID)
		assert.Zero(t, ev.Sequence)
		heartbeats++
	}
	assert.GreaterOrEqual(t, heartbeats, 1)

	// Still open: a live update is delivered.
	h.publish(h.transition(task.ID, domain.Transition{Status: domain.TaskStatusProcessing}))
	assert.Equal(t, domain.TaskStatusProcessing, next(t, conn).Status)
}

func TestStream_ClosesInactiveConnection(t *testing.T) {
	t.Parallel()
	cfg := defaultStreamConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.InactivityTimeout = 120 * time.Millisecond
	h := newHarness(t, withConfig(cfg))
	task := h.queuedTask()

	conn := h.dial(task.ID.String(), ownerToken)
	// A client that never answers pings and never sends frames.
	conn.SetPingHandler(func(string) error { return nil })
	require.Equal(t, broadcast.EventSnapshot, readFrame(t, conn).Type)

	ce := expectClose(t, conn)
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)
	assert.Equal(t, "connection inactive", ce.Text)
}

func TestStream_ClosesAfterTooManyProtocolErrors(t *testing.T) {
	t.Parallel()
	cfg := defaultStreamConfig()
	cfg.MaxProtocolErrors = 2
	h := newHarness(t, withConfig(cfg))
	task := h.queuedTask()

	conn := h.dial(task.ID.String(), ownerToken)
	require.Equal(t, broadcast.EventSnapshot, next(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe"}`)))

	ce := expectClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, "too many protocol errors", ce.Text)
}

func TestStream_ClientPingsAreNotProtocolErrors(t *testing.T) {
	t.Parallel()
	cfg := defaultStreamConfig()
	cfg.MaxProtocolErrors = 1
	h := newHarness(t, withConfig(cfg))
	task := h.queuedTask()

	conn := h.dial(task.ID.String(), ownerToken)
	require.Equal(t, broadcast.EventSnapshot, next(t, conn).Type)

	for i := 0; i < 5; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	}
	h.publish(h.transition(task.ID, domain.Transition{Status: domain.TaskStatusCanceled}))

	ev := next(t, conn)
	assert.Equal(t, domain.TaskStatusCanceled, ev.Status)
	assert.Equal(t, websocket.CloseNormalClosure, expectClose(t, conn).Code)
}

func TestStream_RateLimitedConnection(t *testing.T) {
	t.Parallel()
	limiter := &mocks.Limiter{Decision: &ratelimit.Decision{Allowed: false, Count: 11}}
	h := newHarness(t, withLimiter(limiter))
	task := h.queuedTask()

	conn := h.dial(task.ID.String(), ownerToken)
	ce := expectClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, "too many connections", ce.Text)
	assert.Equal(t, []string{ratelimit.ScopeStream + ":" + h.owner.String()}, limiter.Recorded())
}

func TestStream_ShutdownClosesOpenSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	task := h.queuedTask()

	conn := h.dial(task.ID.String(), ownerToken)
	require.Equal(t, broadcast.EventSnapshot, next(t, conn).Type)

	h.shutdown()

	ce := expectClose(t, conn)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, "server shutting down", ce.Text)
}

func TestStream_DeliversTerminalStateWhenBroadcastIsLost(t *testing.T) {
	t.Parallel()
	cfg := defaultStreamConfig()
	cfg.HeartbeatInterval = 40 * time.Millisecond
	cfg.InactivityTimeout = 200 * time.Millisecond
	h := newHarness(t, withConfig(cfg))
	task := h.queuedTask()

	conn := h.dial(task.ID.String(), ownerToken)
	require.Equal(t, broadcast.EventSnapshot, next(t, conn).Type)

	// Persisted without a broadcast, as when Publish fails.
	h.transition(task.ID, domain.Transition{Status: domain.TaskStatusProcessing})
	h.transition(task.ID, domain.Transition{Status: domain.TaskStatusFailed, ErrorMessage: "model unavailable"})

	ev := next(t, conn)
	assert.Equal(t, broadcast.EventUpdate, ev.Type)
	assert.Equal(t, domain.TaskStatusFailed, ev.Status)
	assert.Equal(t, "model unavailable", ev.Error)
	assert.Equal(t, 3, ev.Sequence)
	assert.True(t, ev.Terminal)

	ce := expectClose(t, conn)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, "task finished", ce.Text)
}

func TestStream_RecoveredUpdateIsNotRepeated(t *testing.T) {
	t.Parallel()
	cfg := defaultStreamConfig()
	cfg.HeartbeatInterval = 40 * time.Millisecond
	cfg.InactivityTimeout = time.Second
	h := newHarness(t, withConfig(cfg))
	task := h.queuedTask()

	conn := h.dial(task.ID.String(), ownerToken)
	require.Equal(t, broadcast.EventSnapshot, next(t, conn).Type)

	processing := h.transition(task.ID, domain.Transition{Status: domain.TaskStatusProcessing})
	ev := next(t, conn)
	require.Equal(t, 2, ev.Sequence)

	// The broadcast arriving after the stored state was already sent.
	h.publish(processing)
	h.publish(h.transition(task.ID, domain.Transition{Status: domain.TaskStatusCompleted, ResultKey: "r.png"}))

	ev = next(t, conn)
	assert.Equal(t, 3, ev.Sequence)
	assert.Equal(t, domain.TaskStatusCompleted, ev.Status)
	assert.Equal(t, websocket.CloseNormalClosure, expectClose(t, conn).Code)
}

func TestStream_HeartbeatSkippedAfterStatusEvent(t *testing.T) {
	t.Parallel()
	cfg := defaultStreamConfig()
	cfg.HeartbeatInterval = 200 * time.Millisecond
	cfg.InactivityTimeout = 2 * time.Second
	h := newHarness(t, withConfig(cfg))
	task := h.queuedTask()

	conn := h.dial(task.ID.String(), ownerToken)
	require.Equal(t, broadcast.EventSnapshot, readFrame(t, conn).Type)

	time.Sleep(cfg.HeartbeatInterval / 2)
	h.publish(h.transition(task.ID, domain.Transition{Status: domain.TaskStatusProcessing}))

	update := readFrame(t, conn)
	require.Equal(t, broadcast.EventUpdate, update.Type)
	updateAt := time.Now()

	heartbeat := readFrame(t, conn)
	require.Equal(t, broadcast.EventHeartbeat, heartbeat.Type)
	assert.GreaterOrEqual(t, time.Since(updateAt), cfg.HeartbeatInterval*3/4,
		"heartbeat frame sent too soon after a status event")
}
