// Package realtime serves the live-sync websocket. It authenticates the
// handshake, runs one read loop and one write pump per connection, and
// dispatches protocol events to the room coordinator and the autosave
// scheduler.
package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"codecollab/api/internal/auth"
	"codecollab/api/internal/autosave"
	"codecollab/api/internal/keyed"
	"codecollab/api/internal/livesync"
	"codecollab/api/internal/logx"
	"codecollab/api/internal/protocol"
	"codecollab/api/internal/rbac"
	"codecollab/api/internal/store"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
)

const (
	DefaultMaxMessageBytes = 1 << 20
	DefaultEventsPerSecond = 30
	DefaultEventBurst      = 60
	DefaultOutboxSize      = 256

	defaultPongWait    = 60 * time.Second
	defaultWriteWait   = 10 * time.Second
	projectLoadTimeout = 5 * time.Second
)

// Authenticator resolves a handshake credential to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
}

// ProjectSource loads the project snapshot a join is checked against.
type ProjectSource interface {
	LoadProject(ctx context.Context, projectID string) (store.Project, error)
}

// SaveScheduler is the autosave side of an accepted edit.
type SaveScheduler interface {
	ScheduleSave(req autosave.Request) rbac.Decision
	Latest(projectID string) (code, language string, ok bool)
}

type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64
	EventsPerSecond float64
	EventBurst      int
	OutboxSize      int
	PongWait        time.Duration
	WriteWait       time.Duration
	Logger          pslog.Logger
}

type Gateway struct {
	auth     Authenticator
	projects ProjectSource
	coord    *livesync.Coordinator
	saves    SaveScheduler
	upgrader websocket.Upgrader
	opts     Options
	logger   pslog.Logger

	sessions *keyed.Map[*session]
	wg       sync.WaitGroup
}

func NewGateway(authn Authenticator, projects ProjectSource, coord *livesync.Coordinator, saves SaveScheduler, opts Options) *Gateway {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = DefaultEventsPerSecond
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = DefaultEventBurst
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	return &Gateway{
		auth:     authn,
		projects: projects,
		coord:    coord,
		saves:    saves,
		upgrader: makeUpgrader(opts.AllowedOrigins),
		opts:     opts,
		logger:   logx.Component(opts.Logger, "realtime"),
		sessions: keyed.New[*session](keyed.DefaultShards),
	}
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.auth.Authenticate(r.Context(), auth.CredentialFromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("realtime.upgrade_failed", "err", err)
		return
	}

	connID := uuid.NewString()
	log := logx.WithConn(g.logger, connID, identity.UserID)
	sess := newSession(connID, identity, ws, g.opts, log)
	g.sessions.Do(connID, func(items map[string]*session) { items[connID] = sess })
	g.wg.Add(1)
	defer g.wg.Done()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		sess.writePump(g.pingInterval(), g.opts.WriteWait)
	}()

	log.Info("realtime.connected")
	g.readLoop(sess)

	g.leaveRoom(sess)
	_ = sess.Close("client disconnected")
	<-pumpDone
	g.sessions.Do(connID, func(items map[string]*session) { delete(items, connID) })
	log.Info("realtime.disconnected", "reason", sess.closeReason())
}

// readLoop dispatches inbound frames under the session's rate limit. A
// code-change over the limit is not dropped: the newest one is held and
// dispatched once the limiter grants a token, when the next frame is
// admitted, or when the socket closes. Each code-change carries the whole
// buffer, so holding only the newest loses nothing. Other frames over the
// limit are answered with RATE_LIMITED.
func (g *Gateway) readLoop(sess *session) {
	frames := make(chan []byte)
	go g.readFrames(sess, frames)

	var (
		held  []byte
		retry *time.Timer
		wake  <-chan time.Time
	)
	release := func() {
		if retry != nil {
			retry.Stop()
			retry, wake = nil, nil
		}
		if held != nil {
			frame := held
			held = nil
			g.dispatch(sess, frame)
		}
	}

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				release()
				return
			}
			switch {
			case sess.limiter.Allow():
				release()
				g.dispatch(sess, frame)
			case isCodeChange(frame):
				held = frame
				if retry == nil {
					retry = time.NewTimer(sess.limiter.Reserve().Delay())
					wake = retry.C
				}
			default:
				sess.log.Debug("realtime.rate_limited")
				_ = sess.Send(protocol.ErrorMessage("RATE_LIMITED", "too many events, slow down"))
			}
		case <-wake:
			retry, wake = nil, nil
			release()
		}
	}
}

// readFrames feeds frames to readLoop and closes frames when the socket
// fails or closes.
func (g *Gateway) readFrames(sess *session, frames chan<- []byte) {
	defer close(frames)
	sess.ws.SetReadLimit(g.opts.MaxMessageBytes)
	_ = sess.ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	sess.ws.SetPongHandler(func(string) error {
		return sess.ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	})

	for {
		_, frame, err := sess.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				sess.log.Warn("realtime.frame_too_large", "limit", g.opts.MaxMessageBytes)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.log.Debug("realtime.read_failed", "err", err)
			}
			return
		}
		_ = sess.ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
		frames <- frame
	}
}

func isCodeChange(frame []byte) bool {
	env, err := protocol.Decode(frame)
	return err == nil && env.Type == protocol.TypeCodeChange
}

func (g *Gateway) pingInterval() time.Duration {
	return g.opts.PongWait * 9 / 10
}

// Close disconnects every open socket and waits for their handlers to
// finish or ctx to end.
func (g *Gateway) Close(ctx context.Context) error {
	for _, sess := range g.sessions.Drain() {
		_ = sess.Close("server shutting down")
	}
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connections returns the number of open sockets.
func (g *Gateway) Connections() int {
	return g.sessions.Len()
}
