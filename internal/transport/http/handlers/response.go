package handlers

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/transport/http/middleware"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func writeValidationErrors(w http.ResponseWriter, code string, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]any{
			"code":   code,
			"fields": fields,
		},
	})
}

// writeServiceError maps a service failure onto a status code. Anything
// that is not a *domain.Error is logged and reported as 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *zap.Logger, op string, err error) {
	de, ok := domain.AsError(err)
	if !ok {
		log.Error(op, callerFields(r, err)...)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "Something went wrong")
		return
	}

	switch de.Kind {
	case domain.KindValidation:
		if len(de.Fields) > 0 {
			writeValidationErrors(w, de.Code, de.Fields)
			return
		}
		writeError(w, http.StatusBadRequest, de.Code, de.Message)
	case domain.KindAuthorization:
		writeError(w, http.StatusForbidden, de.Code, de.Message)
	case domain.KindRateLimit:
		if de.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(de.RetryAfter.Seconds()))))
		}
		writeError(w, http.StatusTooManyRequests, de.Code, de.Message)
	case domain.KindNotFound:
		writeError(w, http.StatusNotFound, de.Code, de.Message)
	case domain.KindState:
		writeError(w, http.StatusConflict, de.Code, de.Message)
	case domain.KindTransient:
		log.Warn(op, callerFields(r, err)...)
		writeError(w, http.StatusServiceUnavailable, de.Code, "Service temporarily unavailable")
	default:
		log.Error(op, callerFields(r, err)...)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "Something went wrong")
	}
}

// callerFields identifies the request and its authenticated caller.
func callerFields(r *http.Request, err error) []zap.Field {
	fields := []zap.Field{
		zap.Error(err),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	}
	if userID, ok := r.Context().Value(middleware.UserIDKey).(uuid.UUID); ok {
		fields = append(fields, zap.Stringer("user_id", userID))
	}
	if role := middleware.GetRole(r.Context()); role != "" {
		fields = append(fields, zap.String("role", role))
	}
	return fields
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid "+what+" ID")
		return uuid.Nil, false
	}
	return id, true
}

// queryInt returns the parameter when it is a positive integer, otherwise 0.
func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
