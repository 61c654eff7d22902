// Package room tracks which participants are connected to which project.
// State is process local and rebuilt from nothing on restart.
package room

import (
	"codecollab/api/internal/clock"
	"codecollab/api/internal/keyed"
	"codecollab/api/internal/logx"

	"pkt.systems/pslog"
)

type Registry struct {
	rooms  *keyed.Map[*Room]
	clock  clock.Clock
	logger pslog.Logger
}

func NewRegistry(shards int, clk clock.Clock, logger pslog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		rooms:  keyed.New[*Room](shards),
		clock:  clk,
		logger: logx.Component(logger, "room"),
	}
}

// Join adds p to the room for projectID, creating the room when absent.
// Joining again with the same participant id replaces the earlier entry.
func (r *Registry) Join(projectID string, p *Participant) *Handle {
	return r.JoinWith(projectID, p, nil)
}

// JoinWith is Join with a callback that runs while the room is still locked,
// before any relay can reach p. onJoined must not block or call back into the
// registry.
func (r *Registry) JoinWith(projectID string, p *Participant, onJoined func(*Handle, JoinState)) *Handle {
	var (
		handle  *Handle
		created bool
	)
	r.rooms.Do(projectID, func(items map[string]*Room) {
		rm, ok := items[projectID]
		if !ok {
			rm = newRoom(projectID, r.clock.Now())
			items[projectID] = rm
			created = true
		}
		p.setJoinedAt(r.clock.Now())
		rm.mu.Lock()
		defer rm.mu.Unlock()
		rm.participants[p.ID] = p
		handle = &Handle{room: rm, participant: p}
		if onJoined != nil {
			onJoined(handle, JoinState{Members: rm.membersLocked(""), Buffer: rm.buffer})
		}
	})
	if created {
		r.logger.Info("room created", "project_id", projectID)
	}
	return handle
}

// Leave removes the handle's participant and reports whether this call did
// so. When the room becomes empty it is torn down at once and emptied is true.
// Leaving twice is a no-op.
func (r *Registry) Leave(h *Handle) (removed, emptied bool) {
	if h == nil {
		return false, false
	}
	projectID := h.room.ProjectID
	r.rooms.Do(projectID, func(items map[string]*Room) {
		h.room.mu.Lock()
		defer h.room.mu.Unlock()
		if _, ok := h.room.participants[h.participant.ID]; !ok {
			return
		}
		delete(h.room.participants, h.participant.ID)
		removed = true
		if len(h.room.participants) > 0 {
			return
		}
		h.room.closed = true
		if items[projectID] == h.room {
			delete(items, projectID)
		}
		emptied = true
	})
	if emptied {
		r.logger.Info("room destroyed", "project_id", projectID)
	}
	return removed, emptied
}

func (r *Registry) Lookup(projectID string) (*Room, bool) {
	return r.rooms.Get(projectID)
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	return r.rooms.Len()
}

// Close tears down every room and closes each participant's connection.
func (r *Registry) Close() {
	rooms := r.rooms.Drain()
	for projectID, rm := range rooms {
		rm.mu.Lock()
		members := make([]*Participant, 0, len(rm.participants))
		for id, p := range rm.participants {
			members = append(members, p)
			delete(rm.participants, id)
		}
		rm.closed = true
		rm.mu.Unlock()

		for _, p := range members {
			if p.Conn == nil {
				continue
			}
			if err := p.Conn.Close("server shutting down"); err != nil {
				r.logger.Debug("close participant failed", "project_id", projectID, "conn_id", p.ID, "err", err)
			}
		}
	}
	if len(rooms) > 0 {
		r.logger.Info("room registry closed", "rooms", len(rooms))
	}
}
