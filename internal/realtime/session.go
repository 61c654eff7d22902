package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"codecollab/api/internal/auth"
	"codecollab/api/internal/protocol"
	"codecollab/api/internal/room"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
	"pkt.systems/pslog"
)

var (
	errSessionClosed = errors.New("realtime: session closed")
	errSlowConsumer  = errors.New("realtime: outbound queue full")
)

// session is one websocket connection. The read loop owns handle and
// language; everything else is safe for concurrent use.
type session struct {
	id       string
	identity auth.Identity
	ws       *websocket.Conn
	limiter  *rate.Limiter
	log      pslog.Logger

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	reasonMu  sync.Mutex
	reason    string

	handle   *room.Handle
	language string
}

func newSession(id string, identity auth.Identity, ws *websocket.Conn, opts Options, log pslog.Logger) *session {
	return &session{
		id:       id,
		identity: identity,
		ws:       ws,
		limiter:  rate.NewLimiter(rate.Limit(opts.EventsPerSecond), opts.EventBurst),
		log:      log,
		outbox:   make(chan []byte, opts.OutboxSize),
		done:     make(chan struct{}),
	}
}

// Send queues msg without blocking. A peer that cannot keep up is
// disconnected so one slow socket never stalls a room broadcast.
func (s *session) Send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.outbox <- data:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		s.log.Warn("realtime.slow_consumer", "type", msg.Type)
		_ = s.Close("slow consumer")
		return errSlowConsumer
	}
}

// Close stops the session. Frames already queued are still written before
// the close frame.
func (s *session) Close(reason string) error {
	s.closeOnce.Do(func() {
		s.reasonMu.Lock()
		s.reason = reason
		s.reasonMu.Unlock()
		close(s.done)
	})
	return nil
}

func (s *session) closeReason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.reason
}

func (s *session) SaveSucceeded(projectID string) {
	_ = s.Send(protocol.Message{
		Type:    protocol.TypeSaveStatus,
		Payload: protocol.SaveStatus{ProjectID: projectID, OK: true},
	})
}

func (s *session) SaveFailed(projectID string, err error) {
	_ = s.Send(protocol.Message{
		Type:    protocol.TypeSaveStatus,
		Payload: protocol.SaveStatus{ProjectID: projectID, OK: false, Error: err.Error()},
	})
}

func (s *session) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()
	for {
		select {
		case data := <-s.outbox:
			if err := s.write(data, writeWait); err != nil {
				s.log.Debug("realtime.write_failed", "err", err)
				_ = s.Close("write failed")
				return
			}
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = s.Close("ping failed")
				return
			}
		case <-s.done:
			s.flushOutbox(writeWait)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, s.closeReason())
			_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

func (s *session) flushOutbox(writeWait time.Duration) {
	for {
		select {
		case data := <-s.outbox:
			if err := s.write(data, writeWait); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) write(data []byte, writeWait time.Duration) error {
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}
