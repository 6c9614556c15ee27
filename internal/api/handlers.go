package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"codelab/internal/middleware"
	"codelab/internal/models"
	"codelab/internal/store/mongo"
	"codelab/internal/utils"
)

// SessionStore is the durable-store surface the HTTP layer consumes.
type SessionStore interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, roomID string) (*models.Session, error)
	GetActive(ctx context.Context, roomID string) (*models.Session, error)
	ListByCreator(ctx context.Context, userID string) ([]models.Session, error)
	ListByParticipant(ctx context.Context, userID string) ([]models.Session, error)
	ListActiveRaisedHands(ctx context.Context) ([]models.Session, error)
	AddParticipant(ctx context.Context, roomID, userID string) error
	SaveCode(ctx context.Context, roomID, author, code string) error
	SetLanguage(ctx context.Context, roomID, language string) error
	End(ctx context.Context, roomID string) error
	Delete(ctx context.Context, roomID string) error
	RaiseHand(ctx context.Context, roomID, userID string) error
	LowerHand(ctx context.Context, roomID, userID string) error
}

// Occupancy reports live per-room member counts from the room registry,
// distinct from the durable participant totals.
type Occupancy interface {
	Counts() map[string]int
}

type Handlers struct {
	log       *zap.Logger
	store     SessionStore
	occupancy Occupancy
	shareBase string
}

func NewHandlers(log *zap.Logger, store SessionStore, occupancy Occupancy, shareBase string) *Handlers {
	return &Handlers{log: log, store: store, occupancy: occupancy, shareBase: shareBase}
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func (h *Handlers) shareLink(roomID string) string {
	return h.shareBase + "/session/" + roomID
}

func (h *Handlers) authUser(w http.ResponseWriter, r *http.Request) (middleware.AuthUser, bool) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		utils.JSON(w, http.StatusUnauthorized, models.ErrorResponse{
			Code: "unauthorized", Message: "No token provided",
		})
	}
	return user, ok
}

// CreateSession starts a new session with the caller as creator and first
// participant.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authUser(w, r)
	if !ok {
		return
	}

	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.JSON(w, http.StatusBadRequest, models.ErrorResponse{
			Code: "invalid_request", Message: "Invalid request payload",
		})
		return
	}
	language := req.Language
	if language == "" {
		language = models.DefaultLanguage
	}

	roomID := utils.NewRoomID()
	session := &models.Session{
		RoomID:       roomID,
		CreatedBy:    user.ID,
		Language:     language,
		IsActive:     true,
		Participants: []string{user.ID},
		LinkShare:    h.shareLink(roomID),
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.store.Create(r.Context(), session); err != nil {
		h.log.Error("create session failed", zap.Error(err))
		utils.JSON(w, http.StatusInternalServerError, models.ErrorResponse{
			Code: "internal_error", Message: "Failed to create session",
		})
		return
	}

	utils.JSON(w, http.StatusCreated, models.CreateSessionResponse{
		Message:   "Session Created",
		RoomID:    roomID,
		LinkShare: session.LinkShare,
	})
}

// JoinSession idempotently appends the caller to the durable participants
// set and returns the current session state.
func (h *Handlers) JoinSession(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authUser(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "roomId")

	session, err := h.store.GetActive(r.Context(), roomID)
	if err != nil {
		h.respondStoreErr(w, err, "Session not found or inactive")
		return
	}

	if !session.HasParticipant(user.ID) {
		if err := h.store.AddParticipant(r.Context(), roomID, user.ID); err != nil {
			h.log.Error("add participant failed", zap.String("roomId", roomID), zap.Error(err))
			utils.JSON(w, http.StatusInternalServerError, models.ErrorResponse{
				Code: "internal_error", Message: "Failed to join session",
			})
			return
		}
		session.Participants = append(session.Participants, user.ID)
	}

	utils.JSON(w, http.StatusOK, models.JoinSessionResponse{
		Message: "Joined session successfully",
		Session: models.SessionView{
			RoomID:       session.RoomID,
			Language:     session.Language,
			CurrentCode:  session.CurrentCode,
			Participants: session.Participants,
			CreatedBy:    session.CreatedBy,
		},
	})
}

// SessionHistory returns the full code history for a room.
func (h *Handlers) SessionHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authUser(w, r); !ok {
		return
	}
	roomID := chi.URLParam(r, "roomId")

	session, err := h.store.Get(r.Context(), roomID)
	if err != nil {
		h.respondStoreErr(w, err, "Session not found")
		return
	}

	utils.JSON(w, http.StatusOK, models.SessionHistoryResponse{
		Message: "Session history retrieved",
		Session: models.SessionHistory{
			RoomID:       session.RoomID,
			Language:     session.Language,
			CodeHistory:  session.CodeHistory,
			Participants: session.Participants,
			CreatedAt:    session.CreatedAt,
			EndedAt:      session.EndedAt,
		},
	})
}

// GetUserSessions lists the caller's sessions, annotated with live occupancy
// from the room registry next to the durable total.
func (h *Handlers) GetUserSessions(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authUser(w, r)
	if !ok {
		return
	}

	var (
		sessions []models.Session
		err      error
	)
	if user.Role == models.RoleTeachingAssistant {
		sessions, err = h.store.ListByCreator(r.Context(), user.ID)
	} else {
		sessions, err = h.store.ListByParticipant(r.Context(), user.ID)
	}
	if err != nil {
		h.log.Error("list sessions failed", zap.Error(err))
		utils.JSON(w, http.StatusInternalServerError, models.ErrorResponse{
			Code: "internal_error", Message: "Failed to fetch sessions",
		})
		return
	}

	counts := h.occupancy.Counts()
	summaries := make([]models.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, models.SessionSummary{
			RoomID:            s.RoomID,
			Language:          s.Language,
			IsActive:          s.IsActive,
			Participants:      counts[s.RoomID],
			TotalParticipants: len(s.Participants),
			CreatedBy:         s.CreatedBy,
			CreatedAt:         s.CreatedAt,
			LinkShare:         h.shareLink(s.RoomID),
		})
	}

	utils.JSON(w, http.StatusOK, map[string]any{
		"message":  "User sessions retrieved",
		"sessions": summaries,
	})
}

// EndSession deactivates a session. Only its creator or a teaching assistant
// may end it.
func (h *Handlers) EndSession(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authUser(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "roomId")

	session, err := h.store.Get(r.Context(), roomID)
	if err != nil {
		h.respondStoreErr(w, err, "Session not found")
		return
	}
	if session.CreatedBy != user.ID && user.Role != models.RoleTeachingAssistant {
		utils.JSON(w, http.StatusForbidden, models.ErrorResponse{
			Code: "not_authorized", Message: "Not authorized to end the session",
		})
		return
	}

	if err := h.store.End(r.Context(), roomID); err != nil {
		h.log.Error("end session failed", zap.String("roomId", roomID), zap.Error(err))
		utils.JSON(w, http.StatusInternalServerError, models.ErrorResponse{
			Code: "internal_error", Message: "Failed to end session",
		})
		return
	}

	utils.JSON(w, http.StatusOK, map[string]string{
		"message": "Session ended successfully",
		"roomId":  roomID,
	})
}

// DeleteSession removes the record entirely, same authorization as ending.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authUser(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "roomId")

	session, err := h.store.Get(r.Context(), roomID)
	if err != nil {
		h.respondStoreErr(w, err, "Session not found")
		return
	}
	if session.CreatedBy != user.ID && user.Role != models.RoleTeachingAssistant {
		utils.JSON(w, http.StatusForbidden, models.ErrorResponse{
			Code: "not_authorized", Message: "Not authorized to delete the session",
		})
		return
	}

	if err := h.store.Delete(r.Context(), roomID); err != nil {
		h.log.Error("delete session failed", zap.String("roomId", roomID), zap.Error(err))
		utils.JSON(w, http.StatusInternalServerError, models.ErrorResponse{
			Code: "internal_error", Message: "Failed to delete session",
		})
		return
	}

	utils.JSON(w, http.StatusOK, map[string]string{
		"message": "Session deleted successfully",
		"roomId":  roomID,
	})
}

// SaveCode persists the current code and appends a history revision.
// Participant-only.
func (h *Handlers) SaveCode(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authUser(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "roomId")

	var req models.SaveCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSON(w, http.StatusBadRequest, models.ErrorResponse{
			Code: "invalid_request", Message: "Invalid request payload",
		})
		return
	}

	session, err := h.store.GetActive(r.Context(), roomID)
	if err != nil {
		h.respondStoreErr(w, err, "Session not found or inactive")
		return
	}
	if !session.HasParticipant(user.ID) {
		utils.JSON(w, http.StatusForbidden, models.ErrorResponse{
			Code: "not_participant", Message: "Not a participant of this session",
		})
		return
	}

	if err := h.store.SaveCode(r.Context(), roomID, user.ID, req.Code); err != nil {
		h.log.Error("save code failed", zap.String("roomId", roomID), zap.Error(err))
		utils.JSON(w, http.StatusInternalServerError, models.ErrorResponse{
			Code: "internal_error", Message: "Failed to save code",
		})
		return
	}

	utils.JSON(w, http.StatusOK, map[string]any{
		"message":   "Code saved successfully",
		"timestamp": time.Now().UTC(),
	})
}

// UpdateLanguage persists the session's language selection. Participant-only.
func (h *Handlers) UpdateLanguage(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authUser(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "roomId")

	var req models.UpdateLanguageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Language == "" {
		utils.JSON(w, http.StatusBadRequest, models.ErrorResponse{
			Code: "invalid_request", Message: "language is required",
		})
		return
	}

	session, err := h.store.GetActive(r.Context(), roomID)
	if err != nil {
		h.respondStoreErr(w, err, "Session not found or inactive")
		return
	}
	if !session.HasParticipant(user.ID) {
		utils.JSON(w, http.StatusForbidden, models.ErrorResponse{
			Code: "not_participant", Message: "Not a participant of this session",
		})
		return
	}

	if err := h.store.SetLanguage(r.Context(), roomID, req.Language); err != nil {
		h.log.Error("update language failed", zap.String("roomId", roomID), zap.Error(err))
		utils.JSON(w, http.StatusInternalServerError, models.ErrorResponse{
			Code: "internal_error", Message: "Failed to update language",
		})
		return
	}

	utils.JSON(w, http.StatusOK, map[string]string{
		"message":  "Language updated successfully",
		"roomId":   roomID,
		"language": req.Language,
	})
}

// GetParticipants returns durable participants and raised hands.
func (h *Handlers) GetParticipants(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authUser(w, r); !ok {
		return
	}
	roomID := chi.URLParam(r, "roomId")

	session, err := h.store.Get(r.Context(), roomID)
	if err != nil {
		h.respondStoreErr(w, err, "Session not found")
		return
	}

	utils.JSON(w, http.StatusOK, models.ParticipantsResponse{
		Message:           "Participants retrieved",
		Participants:      session.Participants,
		RaisedHands:       session.RaisedHands,
		TotalParticipants: len(session.Participants),
	})
}

// LeaveSession clears the caller's raised hand only. Durable participants
// are kept so the session stays visible in their history.
func (h *Handlers) LeaveSession(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authUser(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "roomId")

	if err := h.store.LowerHand(r.Context(), roomID, user.ID); err != nil {
		h.respondStoreErr(w, err, "Session not found")
		return
	}

	utils.JSON(w, http.StatusOK, map[string]string{
		"message": "Left session successfully",
		"roomId":  roomID,
	})
}

// RaiseHand idempotently adds the caller to the durable raisedHands set.
func (h *Handlers) RaiseHand(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authUser(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "roomId")

	session, err := h.store.GetActive(r.Context(), roomID)
	if err != nil {
		h.respondStoreErr(w, err, "Session not found or inactive")
		return
	}
	if !session.HasParticipant(user.ID) {
		utils.JSON(w, http.StatusForbidden, models.ErrorResponse{
			Code: "not_participant", Message: "Not a participant of this session",
		})
		return
	}

	if err := h.store.RaiseHand(r.Context(), roomID, user.ID); err != nil {
		h.log.Error("raise hand failed", zap.String("roomId", roomID), zap.Error(err))
		utils.JSON(w, http.StatusInternalServerError, models.ErrorResponse{
			Code: "internal_error", Message: "Failed to raise hand",
		})
		return
	}

	utils.JSON(w, http.StatusOK, map[string]string{
		"message": "Hand raised successfully",
		"roomId":  roomID,
	})
}

// LowerHand removes the caller from the raisedHands set.
func (h *Handlers) LowerHand(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authUser(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "roomId")

	if err := h.store.LowerHand(r.Context(), roomID, user.ID); err != nil {
		h.respondStoreErr(w, err, "Session not found")
		return
	}

	utils.JSON(w, http.StatusOK, map[string]string{
		"message": "Hand lowered successfully",
		"roomId":  roomID,
	})
}

// GetRaisedHands returns the raised hands for one room.
func (h *Handlers) GetRaisedHands(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authUser(w, r); !ok {
		return
	}
	roomID := chi.URLParam(r, "roomId")

	session, err := h.store.Get(r.Context(), roomID)
	if err != nil {
		h.respondStoreErr(w, err, "Session not found")
		return
	}

	utils.JSON(w, http.StatusOK, models.RaisedHandsResponse{
		Message:     "Raised hands retrieved",
		RaisedHands: session.RaisedHands,
		Count:       len(session.RaisedHands),
	})
}

// GetAllRaisedHands lists every active session with raised hands, for
// teaching assistants monitoring across rooms.
func (h *Handlers) GetAllRaisedHands(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authUser(w, r); !ok {
		return
	}

	sessions, err := h.store.ListActiveRaisedHands(r.Context())
	if err != nil {
		h.log.Error("list raised hands failed", zap.Error(err))
		utils.JSON(w, http.StatusInternalServerError, models.ErrorResponse{
			Code: "internal_error", Message: "Failed to fetch raised hands",
		})
		return
	}

	type raisedSession struct {
		RoomID      string    `json:"roomId"`
		Language    string    `json:"language"`
		CreatedBy   string    `json:"createdBy"`
		RaisedHands []string  `json:"raisedHands"`
		CreatedAt   time.Time `json:"createdAt"`
		LinkShare   string    `json:"linkShare"`
	}
	out := make([]raisedSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, raisedSession{
			RoomID:      s.RoomID,
			Language:    s.Language,
			CreatedBy:   s.CreatedBy,
			RaisedHands: s.RaisedHands,
			CreatedAt:   s.CreatedAt,
			LinkShare:   h.shareLink(s.RoomID),
		})
	}

	utils.JSON(w, http.StatusOK, map[string]any{
		"message":       "All raised hands retrieved",
		"totalSessions": len(out),
		"sessions":      out,
	})
}

func (h *Handlers) respondStoreErr(w http.ResponseWriter, err error, notFoundMsg string) {
	if errors.Is(err, mongo.ErrNotFound) {
		utils.JSON(w, http.StatusNotFound, models.ErrorResponse{
			Code: "session_not_found", Message: notFoundMsg,
		})
		return
	}
	h.log.Error("session lookup failed", zap.Error(err))
	utils.JSON(w, http.StatusInternalServerError, models.ErrorResponse{
		Code: "internal_error", Message: "Internal server error",
	})
}
