package models

import "time"

// Roles carried in auth claims and presence entries.
const (
	RoleStudent           = "student"
	RoleTeachingAssistant = "teaching_assistant"
)

// DefaultLanguage is assigned to sessions created without an explicit language.
const DefaultLanguage = "python"

// PresenceEntry is the live-connection record for one user within one room.
// It lives only in the in-memory registry and is never persisted.
type PresenceEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	ConnID string `json:"-"`
}

// PublicUser is the trimmed user shape sent in user-joined / user-left notices.
type PublicUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Public returns the notice-safe view of a presence entry.
func (p PresenceEntry) Public() PublicUser {
	return PublicUser{ID: p.ID, Name: p.Name, Role: p.Role}
}

// CodeRevision is one saved snapshot in a session's code history.
type CodeRevision struct {
	Code      string    `bson:"code" json:"code"`
	Author    string    `bson:"author" json:"author"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// Session is the durable session record. Participants is append-only while
// the session is active: leaving or disconnecting removes a user from live
// presence and raisedHands, never from participants.
type Session struct {
	RoomID       string         `bson:"roomId" json:"roomId"`
	CreatedBy    string         `bson:"createdBy" json:"createdBy"`
	Language     string         `bson:"language" json:"language"`
	CurrentCode  string         `bson:"currentCode" json:"currentCode"`
	IsActive     bool           `bson:"isActive" json:"isActive"`
	Participants []string       `bson:"participants" json:"participants"`
	RaisedHands  []string       `bson:"raisedHands" json:"raisedHands"`
	CodeHistory  []CodeRevision `bson:"codeHistory" json:"codeHistory"`
	LinkShare    string         `bson:"linkShare" json:"linkShare"`
	CreatedAt    time.Time      `bson:"createdAt" json:"createdAt"`
	EndedAt      *time.Time     `bson:"endedAt,omitempty" json:"endedAt,omitempty"`
}

func (s *Session) HasParticipant(userID string) bool {
	for _, p := range s.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

func (s *Session) HasRaisedHand(userID string) bool {
	for _, p := range s.RaisedHands {
		if p == userID {
			return true
		}
	}
	return false
}

// ErrorResponse is the JSON error body returned by HTTP endpoints.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

/*** HTTP request/response shapes ***/

type CreateSessionRequest struct {
	Language string `json:"language"`
}

type CreateSessionResponse struct {
	Message   string `json:"message"`
	RoomID    string `json:"roomId"`
	LinkShare string `json:"linkShare"`
}

type JoinSessionResponse struct {
	Message string      `json:"message"`
	Session SessionView `json:"session"`
}

// SessionView is the session shape handed to a joining client.
type SessionView struct {
	RoomID       string   `json:"roomId"`
	Language     string   `json:"language"`
	CurrentCode  string   `json:"currentCode"`
	Participants []string `json:"participants"`
	CreatedBy    string   `json:"createdBy"`
}

type SaveCodeRequest struct {
	Code string `json:"code"`
}

type UpdateLanguageRequest struct {
	Language string `json:"language"`
}

// SessionSummary annotates a session with the live occupancy from the room
// registry (Participants) next to the durable total-ever-joined count.
type SessionSummary struct {
	RoomID            string    `json:"roomId"`
	Language          string    `json:"language"`
	IsActive          bool      `json:"isActive"`
	Participants      int       `json:"participants"`
	TotalParticipants int       `json:"totalParticipants"`
	CreatedBy         string    `json:"createdBy"`
	CreatedAt         time.Time `json:"createdAt"`
	LinkShare         string    `json:"linkShare"`
}

type SessionHistoryResponse struct {
	Message string         `json:"message"`
	Session SessionHistory `json:"session"`
}

type SessionHistory struct {
	RoomID       string         `json:"roomId"`
	Language     string         `json:"language"`
	CodeHistory  []CodeRevision `json:"codeHistory"`
	Participants []string       `json:"participants"`
	CreatedAt    time.Time      `json:"createdAt"`
	EndedAt      *time.Time     `json:"endedAt,omitempty"`
}

type ParticipantsResponse struct {
	Message           string   `json:"message"`
	Participants      []string `json:"participants"`
	RaisedHands       []string `json:"raisedHands"`
	TotalParticipants int      `json:"totalParticipants"`
}

type RaisedHandsResponse struct {
	Message     string   `json:"message"`
	RaisedHands []string `json:"raisedHands"`
	Count       int      `json:"count"`
}
