package session

import (
	"encoding/json"
	"errors"

	"codelab/internal/models"
)

// Client -> server events.
const (
	EvtJoinRoom       = "join-room"
	EvtLeaveRoom      = "leave-room"
	EvtCodeChange     = "code-change"
	EvtLanguageChange = "language-change"
	EvtCodeExecution  = "code-execution"
	EvtRaiseHand      = "raise-hand"
	EvtLowerHand      = "lower-hand"
	EvtMuteUser       = "mute-user"
	EvtUnmuteUser     = "unmute-user"
)

// Server -> client events.
const (
	EvtUsersInRoom     = "users-in-room"
	EvtUserJoined      = "user-joined"
	EvtUserLeft        = "user-left"
	EvtCodeUpdate      = "code-update"
	EvtLanguageUpdate  = "language-update"
	EvtExecutionResult = "execution-result"
	EvtHandRaised      = "hand-raised"
	EvtHandLowered     = "hand-lowered"
	EvtUserMuted       = "user-muted"
	EvtUserUnmuted     = "user-unmuted"
	EvtTANotification  = "ta-notification"
)

// Frame is the wire envelope for every event in both directions.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// inboundFrame defers payload decoding until the event type is known.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

var errMissingField = errors.New("missing required field")

/*** Inbound payloads, validated at the boundary before dispatch ***/

type JoinUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type JoinRoomPayload struct {
	RoomID string   `json:"roomId"`
	User   JoinUser `json:"user"`
}

func (p *JoinRoomPayload) validate() error {
	if p.RoomID == "" || p.User.ID == "" {
		return errMissingField
	}
	return nil
}

type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

func (p *LeaveRoomPayload) validate() error {
	if p.RoomID == "" || p.UserID == "" {
		return errMissingField
	}
	return nil
}

type CodeChangePayload struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
	UserID string `json:"userId"`
}

// Code itself may legitimately be empty (a cleared editor), so only the
// routing fields are required.
func (p *CodeChangePayload) validate() error {
	if p.RoomID == "" || p.UserID == "" {
		return errMissingField
	}
	return nil
}

type LanguageChangePayload struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
	UserID   string `json:"userId"`
}

func (p *LanguageChangePayload) validate() error {
	if p.RoomID == "" || p.Language == "" || p.UserID == "" {
		return errMissingField
	}
	return nil
}

// HandPayload covers raise-hand, lower-hand, mute-user and unmute-user.
type HandPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

func (p *HandPayload) validate() error {
	if p.RoomID == "" || p.UserID == "" {
		return errMissingField
	}
	return nil
}

type CodeExecutionPayload struct {
	RoomID        string  `json:"roomId"`
	Output        string  `json:"output"`
	ExecutionTime float64 `json:"executionTime"`
}

func (p *CodeExecutionPayload) validate() error {
	if p.RoomID == "" {
		return errMissingField
	}
	return nil
}

/*** Outbound payloads ***/

type CodeUpdate struct {
	Code   string `json:"code"`
	UserID string `json:"userId"`
}

type LanguageUpdate struct {
	Language string `json:"language"`
	UserID   string `json:"userId"`
}

type UserEvent struct {
	UserID string `json:"userId"`
}

// UserNotice is the lightweight user-joined / user-left shape, never echoed
// to the actor itself.
type UserNotice struct {
	User models.PublicUser `json:"user"`
}

type ExecutionResult struct {
	Output        string  `json:"output"`
	ExecutionTime float64 `json:"executionTime"`
}

type TANotification struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}
