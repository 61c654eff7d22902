// Package protocol defines the live-sync wire format. Every frame is a JSON
// object {"type": ..., "payload": {...}}.
package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	// client -> server
	TypeJoinRoom  = "join-room"
	TypeLeaveRoom = "leave-room"

	// both directions
	TypeCodeChange = "code-change"

	// server -> client
	TypeUserJoined = "user-joined"
	TypeUserLeft   = "user-left"
	TypeRoomJoined = "room-joined"
	TypeSaveStatus = "save-status"
	TypeError      = "error"
)

// Envelope is an inbound frame with its payload left undecoded.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is an outbound frame.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type JoinRoom struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id,omitempty"`
}

type CodeChange struct {
	RoomID   string `json:"room_id"`
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

// CodeChangeRelay is what other participants receive for an accepted edit.
type CodeChangeRelay struct {
	Code         string `json:"code"`
	SenderID     string `json:"sender_id"`
	ConnectionID string `json:"connection_id,omitempty"`
	Language     string `json:"language,omitempty"`
}

type UserJoined struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
	DisplayName  string `json:"display_name,omitempty"`
	Role         string `json:"role,omitempty"`
}

type UserLeft struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id,omitempty"`
}

type ParticipantInfo struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
	DisplayName  string `json:"display_name,omitempty"`
	Role         string `json:"role"`
}

type RoomJoined struct {
	ProjectID    string            `json:"project_id"`
	Role         string            `json:"role"`
	Code         string            `json:"code"`
	Language     string            `json:"language"`
	Participants []ParticipantInfo `json:"participants"`
}

type SaveStatus struct {
	ProjectID string `json:"project_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into out.
func DecodePayload(env Envelope, out any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("%s: decode payload: %w", env.Type, err)
	}
	return nil
}

func ErrorMessage(code, message string) Message {
	return Message{Type: TypeError, Payload: Error{Code: code, Message: message}}
}
