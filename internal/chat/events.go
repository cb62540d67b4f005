package chat

import "github.com/suPer8Hu/persona-chat/internal/presence"

// Push event names sent to clients.
const (
	EventSessionJoined     = "session_joined"
	EventNewMessage        = "new_message"
	EventReplayComplete    = "replay_complete"
	EventBalanceUpdate     = "balance_update"
	EventAdminJoined       = "admin_joined"
	EventAdminDisconnected = "admin_disconnected"
	EventUserJoined        = "user_joined"
	EventTypingStatus      = "typing_status_update"
	EventSessionEnded      = "session_ended"
	EventError             = "error"
)

type SessionJoined struct {
	Session      *Session `json:"session"`
	History      any      `json:"history"`
	Balance      int      `json:"balance"`
	UserPresent  bool     `json:"user_present"`
	AgentPresent bool     `json:"agent_present"`
}

type NewMessage struct {
	SessionID string `json:"session_id"`
	Message   any    `json:"message"`
	Replayed  bool   `json:"replayed,omitempty"`
}

type ReplayComplete struct {
	SessionID string `json:"session_id"`
	Count     int    `json:"count"`
}

type BalanceUpdate struct {
	SessionID   string `json:"session_id,omitempty"`
	Balance     int    `json:"balance"`
	MinutesUsed int    `json:"minutes_used"`
}

type PresenceChange struct {
	SessionID     string `json:"session_id"`
	BillingPaused bool   `json:"billingPaused"`
	Reason        string `json:"reason,omitempty"`
}

type TypingStatus struct {
	SessionID string `json:"session_id"`
	Role      Role   `json:"role"`
	IsTyping  bool   `json:"is_typing"`
}

type SessionEnded struct {
	SessionID string    `json:"session_id"`
	Reason    EndReason `json:"reason"`
}

func event(typ string, data any) presence.Event {
	return presence.Event{Type: typ, Data: data}
}
