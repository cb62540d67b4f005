package chat

import (
	"errors"
	"fmt"

	"github.com/suPer8Hu/persona-chat/internal/wallet"
)

var (
	ErrInsufficientBalance = wallet.ErrInsufficientBalance
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrSessionEnded        = errors.New("session ended")
	ErrInvalidMessage      = errors.New("invalid message")
)

// AgentConflictError means another live agent already serves the pair.
// SessionID is the session holding the pair so clients can redirect.
type AgentConflictError struct {
	SessionID string
}

func (e *AgentConflictError) Error() string {
	return fmt.Sprintf("agent conflict: pair is served in session %s", e.SessionID)
}
