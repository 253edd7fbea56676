package handlers

import "net/http"

// Routes mounts the REST API on mux. Every route requires auth.
func Routes(mux *http.ServeMux, auth func(http.Handler) http.Handler, conv *ConversationHandler, msg *MessageHandler, presence *PresenceHandler) {
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}

	// Conversations
	handle("GET /api/v1/conversations", conv.List)
	handle("POST /api/v1/conversations", conv.Create)
	handle("GET /api/v1/conversations/{id}", conv.Get)
	handle("PATCH /api/v1/conversations/{id}", conv.UpdateGroup)
	handle("DELETE /api/v1/conversations/{id}", conv.Archive)
	handle("PATCH /api/v1/conversations/{id}/settings", conv.UpdateSettings)

	// Members
	handle("POST /api/v1/conversations/{id}/participants", conv.AddParticipant)
	handle("DELETE /api/v1/conversations/{id}/participants/{uid}", conv.RemoveParticipant)
	handle("POST /api/v1/conversations/{id}/admins/{uid}", conv.PromoteAdmin)
	handle("DELETE /api/v1/conversations/{id}/admins/{uid}", conv.DemoteAdmin)

	// Messages
	handle("GET /api/v1/conversations/{id}/messages", msg.History)
	handle("POST /api/v1/conversations/{id}/messages", msg.Send)
	handle("POST /api/v1/conversations/{id}/read", msg.MarkConversationRead)
	handle("PUT /api/v1/messages/{id}", msg.Edit)
	handle("DELETE /api/v1/messages/{id}", msg.Delete)
	handle("POST /api/v1/messages/{id}/reaction", msg.AddReaction)
	handle("DELETE /api/v1/messages/{id}/reaction", msg.RemoveReaction)
	handle("POST /api/v1/messages/{id}/read", msg.MarkRead)

	// Presence
	handle("GET /api/v1/presence", presence.Get)
}
