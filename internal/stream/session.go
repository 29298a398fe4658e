package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phrazzld/canvas-api/internal/broadcast"
	"github.com/phrazzld/canvas-api/internal/ratelimit"
	"github.com/phrazzld/canvas-api/internal/store"
)

// clientFrame is the only message clients may send.
type clientFrame struct {
	Type string `json:"type"`
}

// session drives one connection. Only the run goroutine writes to conn;
// the reader goroutine only reads.
type session struct {
	h     *Handler
	conn  *websocket.Conn
	log   *slog.Logger
	token string
	rawID string

	state          State
	ownerID        uuid.UUID
	taskID         uuid.UUID
	lastSeq        int
	lastEventAt    time.Time
	protocolErrors int
	lastSeen       atomic.Int64
}

func (s *session) setState(next State) {
	s.log.Debug("stream state change",
		slog.String("from", s.state.String()),
		slog.String("to", next.String()))
	s.state = next
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		s.setState(StateClosed)
		_ = s.conn.Close()
	}()

	s.state = StateAuthenticating
	claims, err := s.h.auth.ValidateToken(ctx, s.token)
	if err != nil {
		s.log.Debug("stream authentication failed", slog.String("error", err.Error()))
		s.close(websocket.ClosePolicyViolation, reasonNotAuthorized)
		return
	}
	s.ownerID = claims.UserID
	s.log = s.log.With(slog.String("owner_id", s.ownerID.String()))

	s.setState(StateAuthorizing)
	taskID, err := uuid.Parse(s.rawID)
	if err != nil {
		s.close(websocket.ClosePolicyViolation, reasonNotAuthorized)
		return
	}
	s.taskID = taskID
	s.log = s.log.With(slog.String("task_id", taskID.String()))

	if ok := s.authorize(ctx); !ok {
		return
	}

	if s.h.limiter != nil {
		if d := s.h.limiter.Check(ctx, ratelimit.ScopeStream, s.ownerID.String()); !d.Allowed {
			s.log.Info("stream connection rate limited", slog.Int64("count", d.Count))
			s.close(websocket.ClosePolicyViolation, reasonRateLimited)
			return
		}
	}

	// Subscribe before reading the snapshot so no transition falls between them.
	sub, err := s.h.feed.Subscribe(ctx, taskID)
	if err != nil {
		s.log.Error("failed to subscribe to status feed", slog.String("error", err.Error()))
		s.close(websocket.CloseInternalServerErr, reasonUnavailable)
		return
	}
	defer func() {
		if err := sub.Close(); err != nil {
			s.log.Debug("error closing subscription", slog.String("error", err.Error()))
		}
	}()

	// Reloaded after Subscribe: the copy read by authorize may predate a
	// transition whose broadcast the subscription did not see.
	task, err := s.h.tasks.GetByID(ctx, taskID)
	if err != nil {
		s.log.Error("failed to load task for snapshot", slog.String("error", err.Error()))
		s.close(websocket.CloseInternalServerErr, reasonUnavailable)
		return
	}
	snapshot := s.h.feed.Snapshot(task)
	if err := s.writeEvent(snapshot); err != nil {
		return
	}
	s.lastSeq = snapshot.Sequence
	s.lastEventAt = s.h.now()
	s.setState(StateSnapshotSent)

	if snapshot.Terminal {
		s.close(websocket.CloseNormalClosure, reasonTerminal)
		return
	}

	s.setState(StateStreaming)
	s.stream(ctx, sub)
}

// authorize checks that the task exists and belongs to the caller. Both
// failures close the connection with the same reason.
func (s *session) authorize(ctx context.Context) bool {
	task, err := s.h.tasks.GetByID(ctx, s.taskID)
	switch {
	case err == nil && task.OwnerID == s.ownerID:
		return true
	case err == nil:
		s.log.Warn("stream requested by non-owner")
		s.close(websocket.ClosePolicyViolation, reasonNotAuthorized)
	case store.IsNotFoundError(err):
		s.close(websocket.ClosePolicyViolation, reasonNotAuthorized)
	default:
		s.log.Error("failed to load task", slog.String("error", err.Error()))
		s.close(websocket.CloseInternalServerErr, reasonUnavailable)
	}
	return false
}

func (s *session) stream(ctx context.Context, sub *broadcast.Subscription) {
	s.touch()
	s.conn.SetReadLimit(maxClientMessageBytes)
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})

	readerDone := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	protocolErrs := make(chan error)
	go s.read(readerDone, stop, protocolErrs)

	ticker := time.NewTicker(s.h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.close(websocket.CloseNormalClosure, reasonShuttingDown)
			return

		case <-readerDone:
			s.log.Debug("client disconnected")
			return

		case payload, ok := <-sub.Events():
			if !ok {
				s.log.Warn("status feed closed")
				s.close(websocket.CloseInternalServerErr, reasonUnavailable)
				return
			}
			done, err := s.forward(payload)
			if err != nil {
				if errors.Is(err, ErrProtocol) {
					if s.protocolError(err) {
						return
					}
					continue
				}
				return
			}
			if done {
				s.close(websocket.CloseNormalClosure, reasonTerminal)
				return
			}

		case <-ticker.C:
			if idle := s.h.now().Sub(s.seen()); idle > s.h.cfg.InactivityTimeout {
				s.log.Info("closing inactive stream", slog.Duration("idle", idle))
				s.close(websocket.CloseInternalServerErr, reasonInactive)
				return
			}
			done, err := s.resync(ctx)
			if err != nil {
				return
			}
			if done {
				s.close(websocket.CloseNormalClosure, reasonTerminal)
				return
			}
			if err := s.heartbeat(); err != nil {
				return
			}

		case err := <-protocolErrs:
			if s.protocolError(err) {
				return
			}
		}
	}
}

// forward relays a broadcast payload verbatim. It reports whether the
// event was terminal. Stale events are dropped silently.
func (s *session) forward(payload []byte) (bool, error) {
	ev, err := broadcast.Decode(payload)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if ev.TaskID != s.taskID {
		return false, fmt.Errorf("%w: event for task %s", ErrProtocol, ev.TaskID)
	}
	if ev.Sequence <= s.lastSeq {
		s.log.Debug("dropping already delivered event", slog.Int("sequence", ev.Sequence))
		return false, nil
	}
	if err := s.write(websocket.TextMessage, payload); err != nil {
		return false, err
	}
	s.lastSeq = ev.Sequence
	s.lastEventAt = s.h.now()
	return ev.Terminal, nil
}

// resync compares the stored task with the last delivered sequence and
// sends the stored state when a broadcast was missed. It reports whether
// that state is terminal. A failed read is logged and retried next tick.
func (s *session) resync(ctx context.Context) (bool, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.h.cfg.WriteTimeout)
	defer cancel()
	task, err := s.h.tasks.GetByID(readCtx, s.taskID)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("failed to reload task", slog.String("error", err.Error()))
		}
		return false, nil
	}
	if task.Version <= s.lastSeq {
		return false, nil
	}

	s.log.Info("delivering missed status update",
		slog.Int("sequence", task.Version),
		slog.Int("last_sequence", s.lastSeq))
	if err := s.writeEvent(broadcast.UpdateEvent(task, s.h.now())); err != nil {
		return false, err
	}
	s.lastSeq = task.Version
	s.lastEventAt = s.h.now()
	return task.Status.IsTerminal(), nil
}

// heartbeat pings the client and, unless a status event went out within
// the last interval, sends a heartbeat frame.
func (s *session) heartbeat() error {
	if s.h.now().Sub(s.lastEventAt) >= s.h.cfg.HeartbeatInterval {
		if err := s.writeEvent(broadcast.HeartbeatEvent(s.taskID, s.h.now())); err != nil {
			return err
		}
	}
	deadline := s.h.now().Add(s.h.cfg.WriteTimeout)
	if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		s.log.Debug("ping failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// protocolError counts err and closes the session once the limit is
// exceeded. It reports whether the session closed.
func (s *session) protocolError(err error) bool {
	s.protocolErrors++
	s.log.Warn("stream protocol error",
		slog.String("error", err.Error()),
		slog.Int("count", s.protocolErrors))
	if s.protocolErrors > s.h.cfg.MaxProtocolErrors {
		s.close(websocket.ClosePolicyViolation, reasonProtocol)
		return true
	}
	return false
}

// read consumes client frames until the connection fails. Every frame
// counts as activity; anything but a JSON ping frame is a protocol error.
func (s *session) read(done chan<- struct{}, stop <-chan struct{}, protocolErrs chan<- error) {
	defer close(done)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.touch()

		if perr := validateClientFrame(msgType, data); perr != nil {
			select {
			case protocolErrs <- perr:
			case <-stop:
				return
			}
		}
	}
}

func validateClientFrame(msgType int, data []byte) error {
	if msgType != websocket.TextMessage {
		return fmt.Errorf("%w: unexpected frame type %d", ErrProtocol, msgType)
	}
	var f clientFrame
	if err := sonic.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: malformed client frame", ErrProtocol)
	}
	if f.Type != "ping" {
		return fmt.Errorf("%w: unknown client frame type %q", ErrProtocol, f.Type)
	}
	return nil
}

func (s *session) writeEvent(ev broadcast.StatusEvent) error {
	payload, err := broadcast.Encode(ev)
	if err != nil {
		s.log.Error("failed to encode status event", slog.String("error", err.Error()))
		return err
	}
	return s.write(websocket.TextMessage, payload)
}

// write sends one frame. Failures end the session without a close frame;
// the peer is already gone.
func (s *session) write(msgType int, payload []byte) error {
	if err := s.conn.SetWriteDeadline(s.h.now().Add(s.h.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(msgType, payload); err != nil {
		s.log.Debug("stream write failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (s *session) close(code int, reason string) {
	s.log.Debug("closing stream", slog.Int("code", code), slog.String("reason", reason))
	deadline := s.h.now().Add(s.h.cfg.WriteTimeout)
	if err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		s.log.Debug("failed to send close frame", slog.String("error", err.Error()))
	}
}

func (s *session) touch() {
	s.lastSeen.Store(s.h.now().UnixNano())
}

func (s *session) seen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}
