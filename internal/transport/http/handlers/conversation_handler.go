package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/service"
	"github.com/vedran77/relay/internal/transport/http/middleware"
	"go.uber.org/zap"
)

type ConversationHandler struct {
	convService *service.ConversationService
	log         *zap.Logger
}

func NewConversationHandler(convService *service.ConversationService, log *zap.Logger) *ConversationHandler {
	return &ConversationHandler{convService: convService, log: log}
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	resp, err := h.convService.ListForUser(r.Context(), userID, service.ListConversationsInput{
		Page:   queryInt(r, "page"),
		Limit:  queryInt(r, "limit"),
		Search: r.URL.Query().Get("q"),
	})
	if err != nil {
		writeServiceError(w, r, h.log, "list conversations", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Create starts a group, or finds the direct conversation with the single
// other participant.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input struct {
		service.CreateGroupInput
		IsGroup bool `json:"is_group"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	if !input.IsGroup {
		if len(input.ParticipantIDs) != 1 {
			writeError(w, http.StatusBadRequest, "INVALID_PARTICIPANTS", "A direct conversation needs exactly one other participant")
			return
		}
		conv, created, err := h.convService.FindOrCreateDirect(r.Context(), userID, input.ParticipantIDs[0])
		if err != nil {
			writeServiceError(w, r, h.log, "find or create direct", err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, conv)
		return
	}

	conv, err := h.convService.CreateGroup(r.Context(), userID, input.CreateGroupInput)
	if err != nil {
		writeServiceError(w, r, h.log, "create group", err)
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	conv, err := h.convService.Get(r.Context(), convID, userID)
	if err != nil {
		writeServiceError(w, r, h.log, "get conversation", err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

func (h *ConversationHandler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	var input service.UpdateGroupInput
	if !decodeJSON(w, r, &input) {
		return
	}

	conv, err := h.convService.UpdateGroup(r.Context(), convID, userID, input)
	if err != nil {
		writeServiceError(w, r, h.log, "update group", err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

func (h *ConversationHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	var input service.UpdateSettingsInput
	if !decodeJSON(w, r, &input) {
		return
	}

	conv, err := h.convService.UpdateSettings(r.Context(), convID, userID, input)
	if err != nil {
		writeServiceError(w, r, h.log, "update settings", err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

func (h *ConversationHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	var input struct {
		UserID uuid.UUID `json:"user_id"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}
	if input.UserID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "MISSING_USER_ID", "user_id is required")
		return
	}

	conv, err := h.convService.AddParticipant(r.Context(), convID, userID, input.UserID)
	if err != nil {
		writeServiceError(w, r, h.log, "add participant", err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

func (h *ConversationHandler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	h.memberAction(w, r, "remove participant", h.convService.RemoveParticipant)
}

func (h *ConversationHandler) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	h.memberAction(w, r, "promote admin", h.convService.PromoteAdmin)
}

func (h *ConversationHandler) DemoteAdmin(w http.ResponseWriter, r *http.Request) {
	h.memberAction(w, r, "demote admin", h.convService.DemoteAdmin)
}

type memberFunc func(ctx context.Context, conversationID, actorID, userID uuid.UUID) (*domain.Conversation, error)

func (h *ConversationHandler) memberAction(w http.ResponseWriter, r *http.Request, op string, fn memberFunc) {
	userID := middleware.GetUserID(r.Context())
	convID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}
	targetID, ok := pathID(w, r, "uid", "user")
	if !ok {
		return
	}

	conv, err := fn(r.Context(), convID, userID, targetID)
	if err != nil {
		writeServiceError(w, r, h.log, op, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

func (h *ConversationHandler) Archive(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	if err := h.convService.Archive(r.Context(), convID, userID); err != nil {
		writeServiceError(w, r, h.log, "archive conversation", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
