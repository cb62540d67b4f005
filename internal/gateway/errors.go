package gateway

import (
	"errors"

	"github.com/suPer8Hu/persona-chat/internal/chat"
)

type errorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Frame             string `json:"frame,omitempty"`
	SessionID         string `json:"session_id,omitempty"`
	ConflictSessionID string `json:"conflict_session_id,omitempty"`
}

func errorFor(err error) errorPayload {
	var conflict *chat.AgentConflictError
	switch {
	case errors.As(err, &conflict):
		return errorPayload{Code: "agent_conflict", Message: "another agent is serving this conversation", ConflictSessionID: conflict.SessionID}
	case errors.Is(err, chat.ErrInsufficientBalance):
		return errorPayload{Code: "insufficient_balance", Message: "no minutes remaining"}
	case errors.Is(err, chat.ErrNotFound):
		return errorPayload{Code: "not_found", Message: "session not found"}
	case errors.Is(err, chat.ErrUnauthorized):
		return errorPayload{Code: "unauthorized", Message: "not allowed in this session"}
	case errors.Is(err, chat.ErrSessionEnded):
		return errorPayload{Code: "session_ended", Message: "session has ended"}
	case errors.Is(err, chat.ErrInvalidMessage):
		return errorPayload{Code: "invalid_message", Message: "invalid message"}
	default:
		return errorPayload{Code: "internal", Message: "internal error"}
	}
}
