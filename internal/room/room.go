package room

import (
	"sort"
	"sync"
	"time"
)

// Room is the live session for one project.
type Room struct {
	ProjectID string
	CreatedAt time.Time

	mu           sync.RWMutex
	participants map[string]*Participant
	buffer       Buffer
	closed       bool
}

// Buffer is the latest code relayed in a room. Set is false until the first
// relay.
type Buffer struct {
	Code     string
	Language string
	Set      bool
}

// JoinState is the room as a joiner first sees it: the members including the
// joiner, ordered by join time, and the latest relayed buffer.
type JoinState struct {
	Members []*Participant
	Buffer  Buffer
}

func newRoom(projectID string, now time.Time) *Room {
	return &Room{
		ProjectID:    projectID,
		CreatedAt:    now,
		participants: make(map[string]*Participant),
	}
}

// Members returns the current participants ordered by join time, leaving out
// excludeID when it is set.
func (r *Room) Members(excludeID string) []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.membersLocked(excludeID)
}

func (r *Room) membersLocked(excludeID string) []*Participant {
	members := make([]*Participant, 0, len(r.participants))
	for id, p := range r.participants {
		if id == excludeID {
			continue
		}
		members = append(members, p)
	}
	sort.Slice(members, func(i, j int) bool {
		ti, tj := members[i].JoinedAt(), members[j].JoinedAt()
		if ti.Equal(tj) {
			return members[i].ID < members[j].ID
		}
		return ti.Before(tj)
	})
	return members
}

func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

func (r *Room) Contains(participantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.participants[participantID]
	return ok
}

// Closed reports whether the room has been torn down.
func (r *Room) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Handle ties a participant to the room it joined.
type Handle struct {
	room        *Room
	participant *Participant
}

func (h *Handle) Room() *Room {
	return h.room
}

func (h *Handle) Participant() *Participant {
	return h.participant
}

func (h *Handle) ProjectID() string {
	return h.room.ProjectID
}

// Others returns every other participant currently in the room.
func (h *Handle) Others() []*Participant {
	return h.room.Members(h.participant.ID)
}

// Publish records buf as the room's latest buffer and calls send with the
// other members while the room is locked. A concurrent joiner therefore either
// finds buf in its JoinState or is among the targets, never neither. It
// reports false, without calling send, when the participant has left.
func (h *Handle) Publish(buf Buffer, send func(targets []*Participant)) bool {
	r := h.room
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.participants[h.participant.ID]; !ok || current != h.participant {
		return false
	}
	if buf.Language == "" {
		buf.Language = r.buffer.Language
	}
	buf.Set = true
	r.buffer = buf
	send(r.membersLocked(h.participant.ID))
	return true
}

// Active reports whether the participant is still a member.
func (h *Handle) Active() bool {
	return h.room.Contains(h.participant.ID)
}
