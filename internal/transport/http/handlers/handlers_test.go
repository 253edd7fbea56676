package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/repository/memory"
	"github.com/vedran77/relay/internal/service"
	"github.com/vedran77/relay/internal/transport/http/middleware"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

type staticOnline map[uuid.UUID]bool

func (s staticOnline) IsOnline(id uuid.UUID) bool { return s[id] }

type apiFixture struct {
	server   *httptest.Server
	store    *memory.Store
	presence *memory.PresenceRepo
	online   staticOnline
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	store := memory.NewStore()
	convRepo := memory.NewConversationRepo(store)
	users := memory.NewUserRepo(store)
	log := zap.NewNop()

	convs := service.NewConversationService(convRepo, users, log)
	msgs := service.NewMessageService(memory.NewMessageRepo(store), convRepo, users, log)

	f := &apiFixture{
		store:    store,
		presence: memory.NewPresenceRepo(store),
		online:   staticOnline{},
	}
	mux := http.NewServeMux()
	Routes(mux, middleware.Auth(testSecret),
		NewConversationHandler(convs, log),
		NewMessageHandler(msgs, log),
		NewPresenceHandler(f.online, f.presence, log),
	)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *apiFixture) user(name string) uuid.UUID {
	id := uuid.New()
	f.store.PutUser(domain.User{ID: id, Username: name, DisplayName: name})
	return id
}

func token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (f *apiFixture) do(t *testing.T, as uuid.UUID, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if as != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+token(t, as))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type errorBody struct {
	Error struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields"`
	} `json:"error"`
}

func TestAuthRequired(t *testing.T) {
	f := newAPI(t)

	resp := f.do(t, uuid.Nil, http.MethodGet, "/api/v1/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestCreateDirectConversation(t *testing.T) {
	f := newAPI(t)
	alice, bob := f.user("alice"), f.user("bob")

	resp := f.do(t, alice, http.MethodPost, "/api/v1/conversations", map[string]any{
		"participants": []uuid.UUID{bob},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decodeBody[domain.Conversation](t, resp)
	assert.False(t, first.IsGroup)

	resp = f.do(t, bob, http.MethodPost, "/api/v1/conversations", map[string]any{
		"participants": []uuid.UUID{alice},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first.ID, decodeBody[domain.Conversation](t, resp).ID)

	resp = f.do(t, alice, http.MethodPost, "/api/v1/conversations", map[string]any{
		"participants": []uuid.UUID{alice},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, service.ErrCannotDMSelf.Code, decodeBody[errorBody](t, resp).Error.Code)

	resp = f.do(t, alice, http.MethodPost, "/api/v1/conversations", map[string]any{
		"participants": []uuid.UUID{bob, f.user("carol")},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGroupMessagingFlow(t *testing.T) {
	f := newAPI(t)
	alice, bob, carol := f.user("alice"), f.user("bob"), f.user("carol")

	resp := f.do(t, alice, http.MethodPost, "/api/v1/conversations", map[string]any{
		"participants": []uuid.UUID{bob, carol},
		"is_group":     true,
		"group_name":   "Weekend",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conv := decodeBody[domain.Conversation](t, resp)
	base := "/api/v1/conversations/" + conv.ID.String()

	resp = f.do(t, alice, http.MethodPost, base+"/messages", map[string]any{"content": "who's in?"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decodeBody[domain.Message](t, resp)
	assert.Equal(t, "who's in?", msg.Content)

	resp = f.do(t, bob, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decodeBody[domain.Conversation](t, resp).UnreadCount)

	resp = f.do(t, bob, http.MethodPost, base+"/read", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	read := decodeBody[map[string][]uuid.UUID](t, resp)
	assert.Equal(t, []uuid.UUID{msg.ID}, read["message_ids"])

	resp = f.do(t, carol, http.MethodPost, "/api/v1/messages/"+msg.ID.String()+"/reaction", map[string]string{"emoji": "🎉"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reactions := decodeBody[map[string][]domain.Reaction](t, resp)
	require.Len(t, reactions["reactions"], 1)

	resp = f.do(t, alice, http.MethodPut, "/api/v1/messages/"+msg.ID.String(), map[string]string{"content": "who is in?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[domain.Message](t, resp).History, 1)

	resp = f.do(t, bob, http.MethodPut, "/api/v1/messages/"+msg.ID.String(), map[string]string{"content": "hijack"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, alice, http.MethodDelete, "/api/v1/messages/"+msg.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, carol, http.MethodGet, base+"/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decodeBody[service.MessageListResponse](t, resp)
	assert.Empty(t, history.Messages)
	assert.Equal(t, 1, history.Total)

	resp = f.do(t, carol, http.MethodGet, base+"/messages?include_deleted=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history = decodeBody[service.MessageListResponse](t, resp)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, domain.Tombstone, history.Messages[0].Content)
}

func TestSlowModeSetsRetryAfter(t *testing.T) {
	f := newAPI(t)
	alice, bob := f.user("alice"), f.user("bob")

	resp := f.do(t, alice, http.MethodPost, "/api/v1/conversations", map[string]any{
		"participants": []uuid.UUID{bob},
		"is_group":     true,
		"group_name":   "Quiet room",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conv := decodeBody[domain.Conversation](t, resp)
	base := "/api/v1/conversations/" + conv.ID.String()

	resp = f.do(t, alice, http.MethodPatch, base+"/settings", map[string]any{
		"slow_mode":               true,
		"slow_mode_delay_seconds": 10,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, bob, http.MethodPost, base+"/messages", map[string]any{"content": "one"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, bob, http.MethodPost, base+"/messages", map[string]any{"content": "two"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, service.ErrSlowMode.Code, decodeBody[errorBody](t, resp).Error.Code)
}

func TestErrorMapping(t *testing.T) {
	f := newAPI(t)
	alice, bob, mallory := f.user("alice"), f.user("bob"), f.user("mallory")

	resp := f.do(t, alice, http.MethodPost, "/api/v1/conversations", map[string]any{
		"participants": []uuid.UUID{bob},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conv := decodeBody[domain.Conversation](t, resp)
	base := "/api/v1/conversations/" + conv.ID.String()

	resp = f.do(t, mallory, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, alice, http.MethodGet, "/api/v1/conversations/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, alice, http.MethodGet, "/api/v1/conversations/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, alice, http.MethodPost, base+"/messages", map[string]any{"content": ""})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, service.ErrInvalidInput.Code, body.Error.Code)
	assert.Contains(t, body.Error.Fields, "content")

	resp = f.do(t, alice, http.MethodPatch, base, map[string]any{"group_name": "nope"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, alice, http.MethodGet, base+"/messages?include_deleted=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListConversations(t *testing.T) {
	f := newAPI(t)
	alice := f.user("alice")
	for _, name := range []string{"bob", "carol", "dave"} {
		resp := f.do(t, alice, http.MethodPost, "/api/v1/conversations", map[string]any{
			"participants": []uuid.UUID{f.user(name)},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := f.do(t, alice, http.MethodGet, "/api/v1/conversations?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[service.ConversationListResponse](t, resp)
	assert.Len(t, list.Conversations, 2)
	assert.Equal(t, 3, list.Total)
	assert.True(t, list.HasMore)

	resp = f.do(t, alice, http.MethodGet, "/api/v1/conversations?q=car", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[service.ConversationListResponse](t, resp).Conversations, 1)
}

func TestPresence(t *testing.T) {
	f := newAPI(t)
	alice, bob, carol := f.user("alice"), f.user("bob"), f.user("carol")
	f.online[bob] = true
	seen := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.presence.SetLastSeen(t.Context(), carol, seen))

	resp := f.do(t, alice, http.MethodGet, "/api/v1/presence?user_ids="+bob.String()+","+carol.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[[]domain.Presence](t, resp)
	require.Len(t, out, 2)
	assert.True(t, out[0].Online)
	assert.Nil(t, out[0].LastSeen)
	assert.False(t, out[1].Online)
	require.NotNil(t, out[1].LastSeen)
	assert.True(t, seen.Equal(*out[1].LastSeen))

	resp = f.do(t, alice, http.MethodGet, "/api/v1/presence", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, alice, http.MethodGet, "/api/v1/presence?user_ids=zzz", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
