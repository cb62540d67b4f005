package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const tickTimeout = 15 * time.Second

// startBillingLocked charges the up-front minute taken by the first agent
// message and arms the clock.
func (s *Service) startBillingLocked(ctx context.Context, sess *Session) error {
	balance, err := s.wallet.Balance(ctx, sess.UserID)
	if err != nil {
		return err
	}
	if balance <= 0 {
		return ErrInsufficientBalance
	}

	newBalance, err := s.wallet.Debit(ctx, sess.UserID, 1, sess.SessionID)
	if err != nil {
		return err
	}

	if _, err := s.repo.UpdateActiveSession(ctx, sess.SessionID, map[string]any{
		"billing_started": true,
		"billing_paused":  false,
		"minutes_used":    sess.MinutesUsed + 1,
	}); err != nil {
		s.refund(ctx, sess, "billing start rollback")
		return fmt.Errorf("start billing: %w", err)
	}
	sess.BillingStarted = true
	sess.BillingPaused = false
	sess.MinutesUsed++

	if s.presence.Copresent(sess.SessionID) {
		s.meter.Arm(sess.SessionID)
	}
	s.presence.Broadcast(sess.SessionID, event(EventBalanceUpdate, BalanceUpdate{
		SessionID:   sess.SessionID,
		Balance:     newBalance,
		MinutesUsed: sess.MinutesUsed,
	}))
	slog.Info("billing started", "session_id", sess.SessionID, "balance", newBalance)
	return nil
}

// undoBillingStartLocked reverses startBillingLocked when the message that
// triggered it could not be stored.
func (s *Service) undoBillingStartLocked(ctx context.Context, sess *Session) {
	ctx = context.WithoutCancel(ctx)
	s.meter.Stop(sess.SessionID)
	if _, err := s.repo.UpdateActiveSession(ctx, sess.SessionID, map[string]any{
		"billing_started": false,
		"minutes_used":    sess.MinutesUsed - 1,
	}); err != nil {
		slog.Error("billing start undo failed", "session_id", sess.SessionID, "error", err)
	}
	sess.BillingStarted = false
	sess.MinutesUsed--
	s.refund(ctx, sess, "first message not stored")

	if balance, err := s.wallet.Balance(ctx, sess.UserID); err == nil {
		s.presence.Broadcast(sess.SessionID, event(EventBalanceUpdate, BalanceUpdate{
			SessionID:   sess.SessionID,
			Balance:     balance,
			MinutesUsed: sess.MinutesUsed,
		}))
	}
	slog.Warn("billing start undone", "session_id", sess.SessionID)
}

func (s *Service) refund(ctx context.Context, sess *Session, why string) {
	if _, err := s.wallet.Refund(ctx, sess.UserID, 1, sess.SessionID); err != nil {
		slog.Error("refund failed", "session_id", sess.SessionID, "user_id", sess.UserID, "reason", why, "error", err)
	}
}

// Tick is one billing beat for a session. It returns false when the clock
// must stop.
func (s *Service) Tick(ctx context.Context, sessionID string) bool {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	// stopped while waiting for the lock
	if ctx.Err() != nil {
		return false
	}
	// the clock's own context dies when a transition below stops it
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tickTimeout)
	defer cancel()

	sess, err := s.repo.GetSessionBySessionID(opCtx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false
		}
		slog.Error("billing tick: load session failed", "session_id", sessionID, "error", err)
		return true
	}
	if !sess.Active() || sess.BillingPaused || !sess.BillingStarted {
		return false
	}

	if s.presence.UserConn(sessionID) == nil {
		s.meter.Stop(sessionID)
		if err := s.endLocked(opCtx, sess, EndUserDisconnect); err != nil {
			slog.Error("billing tick: end failed", "session_id", sessionID, "error", err)
		}
		return false
	}
	agentConn, agentID := s.presence.AgentConn(sessionID)
	if agentConn == nil {
		if err := s.pauseLocked(opCtx, sess, PauseAgentDisconnect); err != nil {
			slog.Error("billing tick: pause failed", "session_id", sessionID, "error", err)
		}
		return false
	}

	balance, err := s.wallet.Balance(opCtx, sess.UserID)
	if err != nil {
		slog.Error("billing tick: balance read failed", "session_id", sessionID, "error", err)
		return true
	}
	if balance <= 0 {
		s.exhaustedLocked(opCtx, sess)
		return false
	}

	newBalance, err := s.wallet.Debit(opCtx, sess.UserID, 1, sessionID)
	if errors.Is(err, ErrInsufficientBalance) {
		s.exhaustedLocked(opCtx, sess)
		return false
	}
	if err != nil {
		slog.Error("billing tick: debit failed", "session_id", sessionID, "error", err)
		return true
	}

	if err := s.repo.AddMinutesUsed(opCtx, sessionID, 1); err != nil {
		slog.Error("billing tick: minutes counter failed, refunding", "session_id", sessionID, "error", err)
		s.refund(opCtx, sess, "minutes counter failed")
		return true
	}
	sess.MinutesUsed++

	s.presence.Broadcast(sessionID, event(EventBalanceUpdate, BalanceUpdate{
		SessionID:   sessionID,
		Balance:     newBalance,
		MinutesUsed: sess.MinutesUsed,
	}))

	s.accrueAgentTime(opCtx, sessionID, agentID)
	slog.Debug("billing tick", "session_id", sessionID, "balance", newBalance, "minutes_used", sess.MinutesUsed)
	return true
}

func (s *Service) exhaustedLocked(ctx context.Context, sess *Session) {
	s.meter.Stop(sess.SessionID)
	if err := s.endLocked(ctx, sess, EndNoMinutes); err != nil {
		slog.Error("end on exhausted balance failed", "session_id", sess.SessionID, "error", err)
	}
}

// accrueAgentTime credits one interval of work to the agent's tracker unless
// the conversation has gone quiet. Failures only log.
func (s *Service) accrueAgentTime(ctx context.Context, sessionID string, agentID uint64) {
	t, err := s.repo.OpenTrackerFor(ctx, sessionID, agentID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("tracker lookup failed", "session_id", sessionID, "error", err)
		}
		return
	}
	if t.PausedAt != nil || s.now().Sub(t.LastHeartbeatAt) > s.opts.TrackerIdle {
		return
	}
	secs := int64(s.opts.BillingInterval / time.Second)
	if err := s.repo.UpdateTracker(ctx, t.ID, map[string]any{
		"accumulated_seconds": t.AccumulatedSeconds + secs,
	}); err != nil {
		slog.Warn("tracker accrue failed", "session_id", sessionID, "error", err)
	}
}
