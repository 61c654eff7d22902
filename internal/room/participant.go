package room

import (
	"sync"
	"time"

	"codecollab/api/internal/protocol"
	"codecollab/api/internal/rbac"
)

// Conn is the outbound side of one live connection.
type Conn interface {
	Send(msg protocol.Message) error
	Close(reason string) error
}

// Participant is one connected client. It belongs to at most one room at a
// time and is discarded when it leaves.
type Participant struct {
	ID          string
	UserID      string
	DisplayName string
	Conn        Conn

	mu       sync.RWMutex
	role     rbac.Role
	joinedAt time.Time
}

func NewParticipant(id, userID, displayName string, role rbac.Role, conn Conn) *Participant {
	return &Participant{
		ID:          id,
		UserID:      userID,
		DisplayName: displayName,
		Conn:        conn,
		role:        role,
	}
}

func (p *Participant) Role() rbac.Role {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.role
}

func (p *Participant) SetRole(role rbac.Role) {
	p.mu.Lock()
	p.role = role
	p.mu.Unlock()
}

func (p *Participant) JoinedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.joinedAt
}

func (p *Participant) Info() protocol.ParticipantInfo {
	return protocol.ParticipantInfo{
		UserID:       p.UserID,
		ConnectionID: p.ID,
		DisplayName:  p.DisplayName,
		Role:         p.Role().String(),
	}
}

func (p *Participant) setJoinedAt(at time.Time) {
	p.mu.Lock()
	p.joinedAt = at
	p.mu.Unlock()
}
