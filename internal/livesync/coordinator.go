// Package livesync relays edits and presence between the participants of a
// room. Relay is last-writer-observed: there is no merge and no ordering
// across senders. Edits from one sender reach each peer in acceptance order.
package livesync

import (
	"errors"

	"codecollab/api/internal/logx"
	"codecollab/api/internal/protocol"
	"codecollab/api/internal/rbac"
	"codecollab/api/internal/room"

	"pkt.systems/pslog"
)

// ErrNoAccess is returned by Join for participants that resolved to no role.
var ErrNoAccess = errors.New("livesync: no access to project")

type PresenceKind int

const (
	PresenceJoined PresenceKind = iota
	PresenceLeft
)

func (k PresenceKind) String() string {
	if k == PresenceLeft {
		return "left"
	}
	return "joined"
}

type Coordinator struct {
	rooms  *room.Registry
	logger pslog.Logger
}

func New(rooms *room.Registry, logger pslog.Logger) *Coordinator {
	return &Coordinator{rooms: rooms, logger: logx.Component(logger, "livesync")}
}

// Join puts p into the project's room and announces it to the other members.
// Callers without any role never enter the room. onJoined, when set, runs
// before any relay can reach p; it is the place to queue the joiner's
// acknowledgement.
func (c *Coordinator) Join(projectID string, p *room.Participant, onJoined func(*room.Handle, room.JoinState)) (*room.Handle, error) {
	if !p.Role().HasAccess() {
		return nil, ErrNoAccess
	}
	h := c.rooms.JoinWith(projectID, p, onJoined)
	c.BroadcastPresence(h, PresenceJoined)
	return h, nil
}

// Leave removes the participant and announces the departure to whoever
// remains. It does not touch pending autosaves.
func (c *Coordinator) Leave(h *room.Handle) {
	if h == nil {
		return
	}
	if removed, _ := c.rooms.Leave(h); removed {
		c.BroadcastPresence(h, PresenceLeft)
	}
}

// BroadcastCodeChange relays an edit to every other participant after the
// edit gate passes and records it as the room's latest buffer. Denied edits
// are dropped without telling anyone.
func (c *Coordinator) BroadcastCodeChange(h *room.Handle, change protocol.CodeChange) rbac.Decision {
	sender := h.Participant()
	if !h.Active() {
		return rbac.Denied
	}
	decision := rbac.Authorize(sender.Role(), rbac.ActionEdit)
	if decision == rbac.Denied {
		c.logger.Debug("code change dropped",
			"project_id", h.ProjectID(),
			"conn_id", sender.ID,
			"role", sender.Role().String(),
		)
		return decision
	}

	msg := protocol.Message{
		Type: protocol.TypeCodeChange,
		Payload: protocol.CodeChangeRelay{
			Code:         change.Code,
			SenderID:     sender.UserID,
			ConnectionID: sender.ID,
			Language:     change.Language,
		},
	}
	relayed := h.Publish(room.Buffer{Code: change.Code, Language: change.Language}, func(targets []*room.Participant) {
		c.deliver(h.ProjectID(), targets, msg)
	})
	if !relayed {
		return rbac.Denied
	}
	return decision
}

// BroadcastPresence tells every other member that the handle's participant
// joined or left. The participant itself is never notified.
func (c *Coordinator) BroadcastPresence(h *room.Handle, kind PresenceKind) {
	p := h.Participant()
	var msg protocol.Message
	switch kind {
	case PresenceLeft:
		msg = protocol.Message{
			Type:    protocol.TypeUserLeft,
			Payload: protocol.UserLeft{UserID: p.UserID, ConnectionID: p.ID},
		}
	default:
		msg = protocol.Message{
			Type: protocol.TypeUserJoined,
			Payload: protocol.UserJoined{
				UserID:       p.UserID,
				ConnectionID: p.ID,
				DisplayName:  p.DisplayName,
				Role:         p.Role().String(),
			},
		}
	}
	c.deliver(h.ProjectID(), h.Others(), msg)
}

// RefreshRoles recomputes the role of everyone in the project's room.
// Participants that lost access are told so and disconnected; their
// connection teardown performs the actual leave.
func (c *Coordinator) RefreshRoles(projectID string, resolve func(userID string) rbac.Role) int {
	rm, ok := c.rooms.Lookup(projectID)
	if !ok {
		return 0
	}
	changed := 0
	for _, p := range rm.Members("") {
		role := resolve(p.UserID)
		if role == p.Role() {
			continue
		}
		changed++
		p.SetRole(role)
		if role.HasAccess() {
			c.logger.Info("participant role changed", "project_id", projectID, "conn_id", p.ID, "role", role.String())
			continue
		}
		c.logger.Info("participant access revoked", "project_id", projectID, "conn_id", p.ID)
		if p.Conn == nil {
			continue
		}
		_ = p.Conn.Send(protocol.ErrorMessage("FORBIDDEN", "access to this project was revoked"))
		_ = p.Conn.Close("access revoked")
	}
	return changed
}

// Snapshot describes the room membership for a joiner's acknowledgement.
func (c *Coordinator) Snapshot(h *room.Handle) []protocol.ParticipantInfo {
	return ParticipantInfos(h.Room().Members(""))
}

func ParticipantInfos(members []*room.Participant) []protocol.ParticipantInfo {
	out := make([]protocol.ParticipantInfo, 0, len(members))
	for _, p := range members {
		out = append(out, p.Info())
	}
	return out
}

// Rooms returns the number of live rooms.
func (c *Coordinator) Rooms() int {
	return c.rooms.Len()
}

func (c *Coordinator) deliver(projectID string, targets []*room.Participant, msg protocol.Message) {
	for _, p := range targets {
		if p.Conn == nil {
			continue
		}
		if err := p.Conn.Send(msg); err != nil {
			c.logger.Debug("deliver failed", "project_id", projectID, "conn_id", p.ID, "type", msg.Type, "err", err)
		}
	}
}
