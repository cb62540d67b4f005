// Package gateway is the WebSocket edge of the chat core. One socket can
// join several sessions; when it closes every joined session sees the
// disconnect.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/suPer8Hu/persona-chat/internal/auth"
	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/common"
	"github.com/suPer8Hu/persona-chat/internal/presence"
)

const opTimeout = 15 * time.Second

// frame is a client to server message.
type frame struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	Content     string `json:"content,omitempty"`
	MessageType string `json:"message_type,omitempty"`
	IsTyping    bool   `json:"is_typing,omitempty"`
	// agents only: write as support staff instead of the persona
	AsSupport bool   `json:"as_support,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
}

type Handler struct {
	svc           *chat.Service
	secret        string
	allowedOrigin string
}

func NewHandler(svc *chat.Service, jwtSecret, allowedOrigin string) *Handler {
	return &Handler{svc: svc, secret: jwtSecret, allowedOrigin: allowedOrigin}
}

func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	claims, err := auth.ParseJWT(tokenFrom(r), h.secret)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err, "uid", claims.UID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "bye"); closeErr != nil {
			slog.Debug("websocket close", "error", closeErr)
		}
	}()

	connID, err := common.NewULID()
	if err != nil {
		slog.Error("connection id", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newClient(connID, claims.UID, claims.Role == auth.RoleAgent, ws, cancel)
	go c.writeLoop(ctx)
	slog.Info("websocket connected", "conn_id", connID, "uid", claims.UID, "role", claims.Role)

	joined := make(map[string]struct{})
	defer func() {
		c.close()
		// the request context is gone; disconnect handling must still run
		dctx, dcancel := context.WithTimeout(context.Background(), opTimeout)
		defer dcancel()
		for sid := range joined {
			h.disconnect(dctx, c, sid)
		}
		slog.Info("websocket disconnected", "conn_id", connID, "uid", claims.UID, "sessions", len(joined))
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by client", "conn_id", connID)
			} else if ctx.Err() == nil {
				slog.Warn("websocket read error", "conn_id", connID, "error", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			_ = c.Send(presence.Event{Type: chat.EventError, Data: errorPayload{Code: "bad_frame", Message: "malformed json"}})
			continue
		}
		h.handle(ctx, c, joined, f)
	}
}

func (h *Handler) disconnect(ctx context.Context, c *client, sessionID string) {
	if c.agent {
		h.svc.AgentDisconnected(ctx, sessionID, c)
		return
	}
	h.svc.UserDisconnected(ctx, sessionID, c)
}

func (h *Handler) handle(ctx context.Context, c *client, joined map[string]struct{}, f frame) {
	if f.Type == "ping" {
		_ = c.Send(presence.Event{Type: "pong"})
		return
	}
	if f.SessionID == "" {
		h.fail(c, f, errorPayload{Code: "bad_frame", Message: "session_id required"})
		return
	}

	octx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var err error
	switch f.Type {
	case "join":
		if c.agent {
			_, err = h.svc.AgentJoin(octx, f.SessionID, c.userID, c)
		} else {
			_, err = h.svc.UserJoin(octx, f.SessionID, c.userID, c)
		}
		if err == nil {
			joined[f.SessionID] = struct{}{}
		}

	case "send":
		var author chat.Author
		author, err = h.author(octx, c, f)
		if err == nil {
			in := chat.SendInput{
				SessionID: f.SessionID,
				Author:    author,
				Content:   f.Content,
				Type:      chat.MessageType(f.MessageType),
			}
			if f.ClientID != "" {
				key := f.ClientID
				in.IdempotencyKey = &key
			}
			_, err = h.svc.SendMessage(octx, in)
		}

	case "typing":
		var author chat.Author
		author, err = h.author(octx, c, f)
		if err == nil {
			err = h.svc.SetTyping(octx, f.SessionID, author, f.IsTyping)
		}

	case "leave":
		if _, ok := joined[f.SessionID]; ok {
			delete(joined, f.SessionID)
			h.disconnect(octx, c, f.SessionID)
		}

	case "release":
		if !c.agent {
			err = chat.ErrUnauthorized
			break
		}
		if err = h.svc.ReleaseAgent(octx, f.SessionID, c.userID); err == nil {
			delete(joined, f.SessionID)
		}

	case "end":
		if c.agent {
			err = h.svc.EndAsAgent(octx, f.SessionID, c.userID)
		} else {
			err = h.svc.EndAsUser(octx, f.SessionID, c.userID)
		}
		if err == nil {
			delete(joined, f.SessionID)
		}

	default:
		h.fail(c, f, errorPayload{Code: "bad_frame", Message: "unknown frame type"})
		return
	}

	if err != nil {
		p := errorFor(err)
		if p.Code == "internal" {
			slog.Error("websocket frame failed", "conn_id", c.id, "frame", f.Type, "session_id", f.SessionID, "error", err)
		}
		h.fail(c, f, p)
	}
}

func (h *Handler) author(ctx context.Context, c *client, f frame) (chat.Author, error) {
	if !c.agent {
		return chat.UserAuthor(c.userID), nil
	}
	if f.AsSupport {
		return chat.SupportAuthor(c.userID), nil
	}
	sess, err := h.svc.GetSession(ctx, f.SessionID)
	if err != nil {
		return chat.Author{}, err
	}
	return chat.PersonaAuthor(sess.PersonaID, c.userID), nil
}

func (h *Handler) fail(c *client, f frame, p errorPayload) {
	p.Frame = f.Type
	p.SessionID = f.SessionID
	_ = c.Send(presence.Event{Type: chat.EventError, Data: p})
}
