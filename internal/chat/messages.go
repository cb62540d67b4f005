package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/suPer8Hu/persona-chat/internal/presence"
)

type SendInput struct {
	SessionID      string
	Author         Author
	Content        string
	Type           MessageType
	IdempotencyKey *string
}

// SendMessage stores a message and forwards it to whoever is connected.
// The first agent-side message of a session starts billing and fails with
// ErrInsufficientBalance, without storing anything, if the user has no minutes.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (*Message, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, ErrInvalidMessage
	}
	if in.Type == "" {
		in.Type = TypeText
	}
	if !in.Type.Valid() {
		return nil, ErrInvalidMessage
	}

	unlock := s.locks.lock(in.SessionID)
	defer unlock()

	sess, err := s.activeSession(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(sess, in.Author); err != nil {
		return nil, err
	}

	if in.IdempotencyKey != nil && *in.IdempotencyKey != "" {
		existing, err := s.repo.GetMessageByIdempotencyKey(ctx, sess.SessionID, in.Author.SenderID, *in.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	fromAgent := in.Author.FromAgent()
	startedHere := false
	if fromAgent && !sess.BillingStarted {
		if err := s.startBillingLocked(ctx, sess); err != nil {
			return nil, err
		}
		startedHere = true
	}

	agentConn, _ := s.presence.AgentConn(sess.SessionID)
	now := s.now()
	msg := &Message{
		SessionID:      sess.SessionID,
		UserID:         sess.UserID,
		PersonaID:      sess.PersonaID,
		SenderID:       in.Author.SenderID,
		Role:           in.Author.Role,
		ImpersonatedBy: in.Author.ImpersonatedBy,
		Content:        content,
		Type:           in.Type,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
	}
	// agent-authored messages are delivered by definition; user messages
	// only when an agent is connected right now
	if fromAgent || agentConn != nil {
		msg.DeliveredToAgent = true
		msg.DeliveredAt = &now
	}

	stored, created, err := s.repo.InsertMessageOrGetExisting(ctx, msg)
	if err != nil {
		if startedHere {
			s.undoBillingStartLocked(ctx, sess)
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if !created {
		return stored, nil
	}

	s.presence.SendUser(sess.SessionID, event(EventNewMessage, NewMessage{SessionID: sess.SessionID, Message: stored}))
	if agentConn != nil {
		s.presence.SendAgent(sess.SessionID, event(EventNewMessage, NewMessage{SessionID: sess.SessionID, Message: agentView(*stored)}))
		if err := s.repo.TouchTrackers(ctx, sess.SessionID, now); err != nil {
			slog.Warn("tracker heartbeat failed", "session_id", sess.SessionID, "error", err)
		}
	} else if in.Author.Role == RoleUser {
		s.requestAgent(sess)
	}
	return stored, nil
}

// authorize checks that a may write into sess.
func (s *Service) authorize(sess *Session, a Author) error {
	switch a.Role {
	case RoleUser:
		if a.SenderID != sess.UserID {
			return ErrUnauthorized
		}
		return nil
	case RolePersona:
		if a.SenderID != sess.PersonaID || a.ImpersonatedBy == nil {
			return ErrUnauthorized
		}
	case RoleSupport:
	default:
		return ErrInvalidMessage
	}

	agentID, _ := a.AgentID()
	conn, bound := s.presence.AgentConn(sess.SessionID)
	if conn == nil || bound != agentID {
		return ErrUnauthorized
	}
	return nil
}

// replayLocked pushes every not-yet-delivered message to the agent in send
// order, marks them delivered and closes with a replay_complete signal.
func (s *Service) replayLocked(ctx context.Context, sess *Session, conn presence.Conn) (int, error) {
	pending, err := s.repo.ListUndelivered(ctx, sess.SessionID)
	if err != nil {
		return 0, err
	}

	// a message counts as delivered only once the socket has it, and the
	// marks survive the caller giving up halfway through
	mctx := context.WithoutCancel(ctx)
	ids := make([]uint64, 0, replayBatch)
	total := 0
	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		if _, err := s.repo.MarkDelivered(mctx, ids, s.now()); err != nil {
			return err
		}
		total += len(ids)
		ids = ids[:0]
		return nil
	}
	for _, m := range pending {
		if err := push(ctx, conn, event(EventNewMessage, NewMessage{
			SessionID: sess.SessionID,
			Message:   agentView(m),
			Replayed:  true,
		})); err != nil {
			// whatever was not pushed stays pending for the next join
			slog.Warn("replay push failed", "session_id", sess.SessionID, "message_id", m.ID, "error", err)
			break
		}
		ids = append(ids, m.ID)
		if len(ids) == replayBatch {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	_ = conn.Send(event(EventReplayComplete, ReplayComplete{SessionID: sess.SessionID, Count: total}))
	if total > 0 {
		slog.Info("replayed undelivered messages", "session_id", sess.SessionID, "count", total)
	}
	return total, nil
}

const replayBatch = 50

// push uses a confirmed write when the connection offers one.
func push(ctx context.Context, conn presence.Conn, ev presence.Event) error {
	if d, ok := conn.(presence.Deliverer); ok {
		return d.Deliver(ctx, ev)
	}
	return conn.Send(ev)
}

// requestAgent pings the notification collaborator without holding up the
// caller.
func (s *Service) requestAgent(sess *Session) {
	if s.notifier == nil {
		return
	}
	sessionID, userID := sess.SessionID, sess.UserID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.notifier.NotifyAgentsNeeded(ctx, sessionID, s.userName(ctx, userID))
	}()
}

func (s *Service) userName(ctx context.Context, userID uint64) string {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return fmt.Sprintf("user-%d", userID)
	}
	return u.Username
}

// SetTyping relays a typing indicator to the other side of the session.
func (s *Service) SetTyping(ctx context.Context, sessionID string, a Author, typing bool) error {
	sess, err := s.activeSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.authorize(sess, a); err != nil {
		return err
	}

	ev := event(EventTypingStatus, TypingStatus{SessionID: sessionID, Role: a.Role, IsTyping: typing})
	if a.Role == RoleUser {
		s.presence.SendAgent(sessionID, ev)
	} else {
		s.presence.SendUser(sessionID, ev)
	}

	if s.typing != nil {
		if err := s.typing.SetTyping(ctx, sessionID, string(a.Role), typing); err != nil {
			slog.Warn("typing store failed", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

// History pages through one session's messages for its owner, newest first.
func (s *Service) History(ctx context.Context, userID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrNotFound
	}
	return s.repo.ListMessages(ctx, sessionID, limit, beforeID)
}
