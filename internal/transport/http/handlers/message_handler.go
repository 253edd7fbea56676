package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/service"
	"github.com/vedran77/relay/internal/transport/http/middleware"
	"go.uber.org/zap"
)

type MessageHandler struct {
	msgService *service.MessageService
	log        *zap.Logger
}

func NewMessageHandler(msgService *service.MessageService, log *zap.Logger) *MessageHandler {
	return &MessageHandler{msgService: msgService, log: log}
}

func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	var input service.SendMessageInput
	if !decodeJSON(w, r, &input) {
		return
	}

	msg, err := h.msgService.Send(r.Context(), convID, userID, input)
	if err != nil {
		writeServiceError(w, r, h.log, "send message", err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	input := service.HistoryInput{
		Page:  queryInt(r, "page"),
		Limit: queryInt(r, "limit"),
	}
	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		id, err := uuid.Parse(beforeStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid before cursor")
			return
		}
		input.Before = &id
	}
	if s := r.URL.Query().Get("include_deleted"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "include_deleted must be a boolean")
			return
		}
		input.IncludeDeleted = v
	}

	resp, err := h.msgService.History(r.Context(), convID, userID, input)
	if err != nil {
		writeServiceError(w, r, h.log, "list messages", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *MessageHandler) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	ids, err := h.msgService.MarkConversationRead(r.Context(), convID, userID)
	if err != nil {
		writeServiceError(w, r, h.log, "mark conversation read", err)
		return
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"message_ids": ids})
}

func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	msgID, ok := pathID(w, r, "id", "message")
	if !ok {
		return
	}

	var input struct {
		Content string `json:"content"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	msg, err := h.msgService.Edit(r.Context(), msgID, userID, input.Content)
	if err != nil {
		writeServiceError(w, r, h.log, "edit message", err)
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	msgID, ok := pathID(w, r, "id", "message")
	if !ok {
		return
	}

	msg, err := h.msgService.SoftDelete(r.Context(), msgID, userID)
	if err != nil {
		writeServiceError(w, r, h.log, "delete message", err)
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

func (h *MessageHandler) AddReaction(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	msgID, ok := pathID(w, r, "id", "message")
	if !ok {
		return
	}

	var input struct {
		Emoji string `json:"emoji"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	reactions, err := h.msgService.AddReaction(r.Context(), msgID, userID, input.Emoji)
	if err != nil {
		writeServiceError(w, r, h.log, "add reaction", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"reactions": reactions})
}

func (h *MessageHandler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	msgID, ok := pathID(w, r, "id", "message")
	if !ok {
		return
	}

	reactions, err := h.msgService.RemoveReaction(r.Context(), msgID, userID)
	if err != nil {
		writeServiceError(w, r, h.log, "remove reaction", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"reactions": reactions})
}

func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	msgID, ok := pathID(w, r, "id", "message")
	if !ok {
		return
	}

	marked, err := h.msgService.MarkRead(r.Context(), msgID, userID)
	if err != nil {
		writeServiceError(w, r, h.log, "mark message read", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"marked": marked})
}
