package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/transport/http/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

var (
	errAuthRequired = errors.New("first frame must be an auth event")
	errAuthTimeout  = errors.New("no auth event before the deadline")
)

type Options struct {
	JWTSecret       string
	AuthTimeout     time.Duration
	EventsPerSecond float64
	EventBurst      int
	// AllowedOrigins are full origins such as https://app.example.com.
	// Empty or "*" accepts any origin.
	AllowedOrigins []string
}

// ServeWS returns an HTTP handler that upgrades to WebSocket.
// The caller authenticates either with ?token=xxx or by sending an auth
// event as the first frame within AuthTimeout.
func ServeWS(hub *Hub, ledger Ledger, opts Options, log *zap.Logger) http.HandlerFunc {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = 20
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = 40
	}
	accept := acceptOptions(opts.AllowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		var userID uuid.UUID
		if tokenStr := r.URL.Query().Get("token"); tokenStr != "" {
			id, err := middleware.ParseToken(tokenStr, opts.JWTSecret)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			userID = id.UserID
		}

		conn, err := websocket.Accept(w, r, accept)
		if err != nil {
			log.Warn("ws accept failed", zap.Error(err))
			return
		}
		conn.SetReadLimit(maxMessageSize)

		ctx := r.Context()
		if userID == uuid.Nil {
			userID, err = awaitAuth(ctx, conn, opts)
			if err != nil {
				log.Info("ws authentication failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
				// A no-op when the timeout already closed the connection.
				conn.Close(websocket.StatusPolicyViolation, "authentication required")
				return
			}
		}

		limiter := rate.NewLimiter(rate.Limit(opts.EventsPerSecond), opts.EventBurst)
		client := NewClient(hub, ledger, conn, userID, limiter, log)
		hub.Register(ctx, client)

		go client.WritePump()
		client.ReadPump(ctx)
	}
}

// awaitAuth reads the first frame and verifies the token it carries. The
// deadline closes the connection with a policy violation itself; letting
// the read context expire would drop the socket without a close frame.
func awaitAuth(ctx context.Context, conn *websocket.Conn, opts Options) (uuid.UUID, error) {
	expired := make(chan struct{})
	timer := time.AfterFunc(opts.AuthTimeout, func() {
		close(expired)
		conn.Close(websocket.StatusPolicyViolation, "authentication timeout")
	})
	defer timer.Stop()

	_, data, err := conn.Read(ctx)
	if err != nil {
		select {
		case <-expired:
			return uuid.Nil, errAuthTimeout
		default:
			return uuid.Nil, err
		}
	}
	if !timer.Stop() {
		return uuid.Nil, errAuthTimeout
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil || event.Type != EventTypeAuth {
		return uuid.Nil, errAuthRequired
	}
	var p AuthPayload
	if err := decode(&event, &p); err != nil || p.Token == "" {
		return uuid.Nil, errAuthRequired
	}

	id, err := middleware.ParseToken(p.Token, opts.JWTSecret)
	if err != nil {
		return uuid.Nil, err
	}
	return id.UserID, nil
}

func acceptOptions(origins []string) *websocket.AcceptOptions {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}

	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(o, "https://")
		o = strings.TrimPrefix(o, "http://")
		patterns = append(patterns, o)
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}
