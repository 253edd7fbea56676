package handlers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/repository"
	"go.uber.org/zap"
)

const maxPresenceIDs = 100

// OnlineChecker reports live connection state.
type OnlineChecker interface {
	IsOnline(userID uuid.UUID) bool
}

type PresenceHandler struct {
	online   OnlineChecker
	presence repository.PresenceRepository
	log      *zap.Logger
}

func NewPresenceHandler(online OnlineChecker, presence repository.PresenceRepository, log *zap.Logger) *PresenceHandler {
	return &PresenceHandler{online: online, presence: presence, log: log}
}

// Get answers GET /presence?user_ids=a,b.
func (h *PresenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("user_ids")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "MISSING_USER_IDS", "user_ids is required")
		return
	}

	parts := strings.Split(raw, ",")
	if len(parts) > maxPresenceIDs {
		writeError(w, http.StatusBadRequest, "TOO_MANY_USER_IDS", "At most 100 user ids per request")
		return
	}
	ids := make([]uuid.UUID, 0, len(parts))
	for _, p := range parts {
		id, err := uuid.Parse(strings.TrimSpace(p))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid user ID")
			return
		}
		ids = append(ids, id)
	}

	seen, err := h.presence.GetLastSeen(r.Context(), ids)
	if err != nil {
		writeServiceError(w, r, h.log, "load presence", domain.NewTransientError("loading presence", err))
		return
	}

	out := make([]domain.Presence, 0, len(ids))
	for _, id := range ids {
		p := domain.Presence{UserID: id, Online: h.online.IsOnline(id)}
		if at, ok := seen[id]; ok {
			p.LastSeen = &at
		}
		out = append(out, p)
	}

	writeJSON(w, http.StatusOK, out)
}
