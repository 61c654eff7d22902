package realtime

import (
	"context"
	"errors"

	"codecollab/api/internal/autosave"
	"codecollab/api/internal/livesync"
	"codecollab/api/internal/protocol"
	"codecollab/api/internal/rbac"
	"codecollab/api/internal/room"
	"codecollab/api/internal/store"
)

func (g *Gateway) dispatch(sess *session, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		_ = sess.Send(protocol.ErrorMessage("INVALID_MESSAGE", err.Error()))
		return
	}
	switch env.Type {
	case protocol.TypeJoinRoom:
		var join protocol.JoinRoom
		if err := protocol.DecodePayload(env, &join); err != nil || join.ProjectID == "" {
			_ = sess.Send(protocol.ErrorMessage("INVALID_MESSAGE", "join-room requires project_id"))
			return
		}
		g.joinRoom(sess, join)
	case protocol.TypeCodeChange:
		var change protocol.CodeChange
		if err := protocol.DecodePayload(env, &change); err != nil {
			_ = sess.Send(protocol.ErrorMessage("INVALID_MESSAGE", err.Error()))
			return
		}
		g.codeChange(sess, change)
	case protocol.TypeLeaveRoom:
		g.leaveRoom(sess)
	default:
		sess.log.Debug("realtime.unknown_event", "type", env.Type)
		_ = sess.Send(protocol.ErrorMessage("UNKNOWN_EVENT", "unsupported event type "+env.Type))
	}
}

func (g *Gateway) joinRoom(sess *session, join protocol.JoinRoom) {
	if join.UserID != "" && join.UserID != sess.identity.UserID {
		sess.log.Debug("realtime.join_user_mismatch", "claimed", join.UserID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), projectLoadTimeout)
	project, err := g.projects.LoadProject(ctx, join.ProjectID)
	cancel()
	switch {
	case errors.Is(err, store.ErrNotFound):
		_ = sess.Send(protocol.ErrorMessage("NOT_FOUND", "project not found"))
		return
	case err != nil:
		sess.log.Error("realtime.load_project_failed", "project_id", join.ProjectID, "err", err)
		_ = sess.Send(protocol.ErrorMessage("INTERNAL", "could not load project"))
		return
	}

	code, language := project.Code, project.Language
	if pendingCode, pendingLang, ok := g.saves.Latest(project.ID); ok {
		code = pendingCode
		if pendingLang != "" {
			language = pendingLang
		}
	}

	g.leaveRoom(sess)
	role := project.RoleFor(sess.identity.UserID)
	p := room.NewParticipant(sess.id, sess.identity.UserID, sess.identity.DisplayName, role, sess)
	h, err := g.coord.Join(project.ID, p, func(_ *room.Handle, state room.JoinState) {
		// A buffer relayed in the room is newer than anything persisted.
		if state.Buffer.Set {
			code = state.Buffer.Code
			if state.Buffer.Language != "" {
				language = state.Buffer.Language
			}
		}
		sess.language = language
		_ = sess.Send(protocol.Message{
			Type: protocol.TypeRoomJoined,
			Payload: protocol.RoomJoined{
				ProjectID:    project.ID,
				Role:         role.String(),
				Code:         code,
				Language:     language,
				Participants: livesync.ParticipantInfos(state.Members),
			},
		})
	})
	if errors.Is(err, livesync.ErrNoAccess) {
		sess.log.Info("realtime.join_forbidden", "project_id", project.ID)
		_ = sess.Send(protocol.ErrorMessage("FORBIDDEN", "you do not have access to this project"))
		_ = sess.Close("forbidden")
		return
	}
	sess.handle = h
	sess.log.Info("realtime.joined", "project_id", project.ID, "role", role.String())
}

func (g *Gateway) codeChange(sess *session, change protocol.CodeChange) {
	h := sess.handle
	if h == nil {
		sess.log.Debug("realtime.code_change_outside_room")
		return
	}
	if change.RoomID != "" && change.RoomID != h.ProjectID() {
		sess.log.Debug("realtime.code_change_wrong_room", "room_id", change.RoomID, "project_id", h.ProjectID())
		return
	}
	if g.coord.BroadcastCodeChange(h, change) == rbac.Denied {
		return
	}
	if change.Language != "" {
		sess.language = change.Language
	}
	p := h.Participant()
	g.saves.ScheduleSave(autosave.Request{
		ProjectID: h.ProjectID(),
		Code:      change.Code,
		Language:  sess.language,
		Role:      p.Role(),
		Author:    p.DisplayName,
		Origin:    sess,
	})
}

func (g *Gateway) leaveRoom(sess *session) {
	if sess.handle == nil {
		return
	}
	g.coord.Leave(sess.handle)
	sess.handle = nil
}
