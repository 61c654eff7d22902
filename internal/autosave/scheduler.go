// Package autosave debounces live edits into durable writes. Each project has
// at most one pending save; a new edit replaces it and restarts the delay.
// Writes are last-write-wins and are never retried here.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"codecollab/api/internal/clock"
	"codecollab/api/internal/keyed"
	"codecollab/api/internal/logx"
	"codecollab/api/internal/rbac"

	"pkt.systems/pslog"
)

const (
	DefaultDelay        = 2 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// ErrPersistence wraps every store failure reported to a save's origin.
var ErrPersistence = errors.New("autosave: persistence failed")

// Store is the durable side of a save.
type Store interface {
	SaveProjectCode(ctx context.Context, projectID, code, language string) error
}

// Reporter receives the outcome of a save. It is called once per durable
// write, on the scheduler's goroutine, and must not block.
type Reporter interface {
	SaveSucceeded(projectID string)
	SaveFailed(projectID string, err error)
}

// Request is one observed edit.
type Request struct {
	ProjectID string
	Code      string
	Language  string
	Role      rbac.Role
	// Author names the editor in post-save hooks.
	Author string
	// Origin is the session that produced the edit. May be nil.
	Origin Reporter
}

// Saved describes a completed durable write.
type Saved struct {
	ProjectID string
	Code      string
	Language  string
	Author    string
	At        time.Time
}

// Hook runs after every successful write.
type Hook func(ctx context.Context, saved Saved)

type Options struct {
	Delay        time.Duration
	WriteTimeout time.Duration
	Shards       int
	Clock        clock.Clock
	Logger       pslog.Logger
	Hooks        []Hook
}

type pending struct {
	req   Request
	timer *clock.Timer
}

type Scheduler struct {
	store        Store
	delay        time.Duration
	writeTimeout time.Duration
	clock        clock.Clock
	logger       pslog.Logger
	hooks        []Hook

	entries  *keyed.Map[*pending]
	inflight sync.WaitGroup
}

func New(store Store, opts Options) *Scheduler {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Scheduler{
		store:        store,
		delay:        opts.Delay,
		writeTimeout: opts.WriteTimeout,
		clock:        opts.Clock,
		logger:       logx.Component(opts.Logger, "autosave"),
		hooks:        opts.Hooks,
		entries:      keyed.New[*pending](opts.Shards),
	}
}

// ScheduleSave records req as the project's pending save and (re)starts the
// debounce timer. Requests from roles without edit rights are dropped.
func (s *Scheduler) ScheduleSave(req Request) rbac.Decision {
	if rbac.Authorize(req.Role, rbac.ActionEdit) == rbac.Denied {
		s.logger.Debug("save dropped", "project_id", req.ProjectID, "role", req.Role.String())
		return rbac.Denied
	}

	entry := &pending{req: req}
	s.entries.Do(req.ProjectID, func(items map[string]*pending) {
		if prev, ok := items[req.ProjectID]; ok {
			prev.timer.Stop()
		}
		items[req.ProjectID] = entry
		entry.timer = s.clock.AfterFunc(s.delay, func() { s.fire(req.ProjectID, entry) })
	})
	return rbac.Allowed
}

// SaveNow cancels any pending save for the project and writes req
// immediately, returning the store error.
func (s *Scheduler) SaveNow(ctx context.Context, req Request) error {
	if rbac.Authorize(req.Role, rbac.ActionEdit) == rbac.Denied {
		return fmt.Errorf("save %s: role %s cannot edit", req.ProjectID, req.Role)
	}
	s.cancel(req.ProjectID)
	return s.flush(ctx, req)
}

// Pending reports whether a debounced save is waiting for the project.
func (s *Scheduler) Pending(projectID string) bool {
	_, ok := s.entries.Get(projectID)
	return ok
}

// Latest returns the buffer waiting in the project's debounce window, if any.
func (s *Scheduler) Latest(projectID string) (code, language string, ok bool) {
	entry, ok := s.entries.Get(projectID)
	if !ok {
		return "", "", false
	}
	return entry.req.Code, entry.req.Language, true
}

// Close flushes every pending save immediately and waits for in-flight
// writes to finish or ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	drained := s.entries.Drain()
	for _, entry := range drained {
		entry.timer.Stop()
	}
	for _, entry := range drained {
		s.inflight.Add(1)
		go func(req Request) {
			defer s.inflight.Done()
			_ = s.flush(ctx, req)
		}(entry.req)
	}
	if len(drained) > 0 {
		s.logger.Info("flushing pending saves", "count", len(drained))
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) cancel(projectID string) {
	s.entries.Do(projectID, func(items map[string]*pending) {
		if prev, ok := items[projectID]; ok {
			prev.timer.Stop()
			delete(items, projectID)
		}
	})
}

// fire runs when entry's timer expires. A superseded entry, or one Close
// already drained, is skipped; only the most recent request in the window is
// written.
func (s *Scheduler) fire(projectID string, entry *pending) {
	current := false
	s.entries.Do(projectID, func(items map[string]*pending) {
		if items[projectID] == entry {
			delete(items, projectID)
			// Counted before the entry becomes invisible to Close's drain.
			s.inflight.Add(1)
			current = true
		}
	})
	if !current {
		return
	}
	defer s.inflight.Done()
	_ = s.flush(context.Background(), entry.req)
}

func (s *Scheduler) flush(ctx context.Context, req Request) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	log := logx.WithProject(s.logger, req.ProjectID)
	if err := s.store.SaveProjectCode(ctx, req.ProjectID, req.Code, req.Language); err != nil {
		wrapped := fmt.Errorf("%w: %w", ErrPersistence, err)
		log.Warn("autosave failed", "err", err)
		if req.Origin != nil {
			req.Origin.SaveFailed(req.ProjectID, wrapped)
		}
		return wrapped
	}
	log.Debug("autosave written", "bytes", len(req.Code))
	if req.Origin != nil {
		req.Origin.SaveSucceeded(req.ProjectID)
	}

	saved := Saved{
		ProjectID: req.ProjectID,
		Code:      req.Code,
		Language:  req.Language,
		Author:    req.Author,
		At:        s.clock.Now(),
	}
	for _, hook := range s.hooks {
		hook(ctx, saved)
	}
	return nil
}
