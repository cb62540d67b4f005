package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/suPer8Hu/persona-chat/internal/billing"
	"github.com/suPer8Hu/persona-chat/internal/common"
	"github.com/suPer8Hu/persona-chat/internal/presence"
)

// Wallet is the ledger surface the session core needs.
type Wallet interface {
	Balance(ctx context.Context, userID uint64) (int, error)
	Debit(ctx context.Context, userID uint64, minutes int, ref string) (int, error)
	Credit(ctx context.Context, userID uint64, minutes int, ref string) (int, error)
	Refund(ctx context.Context, userID uint64, minutes int, ref string) (int, error)
}

// Notifier asks for an agent to pick up a session. Implementations must not
// block for long and must swallow their own failures.
type Notifier interface {
	NotifyAgentsNeeded(ctx context.Context, sessionID, userName string)
}

// TypingStore mirrors typing indicators for polling clients.
type TypingStore interface {
	SetTyping(ctx context.Context, sessionID string, role string, typing bool) error
}

type Options struct {
	BillingInterval time.Duration
	UnattendedAfter time.Duration
	TrackerIdle     time.Duration
}

// Service is the session state machine. It is the only writer of session
// status and billing flags and the only owner of billing clocks.
type Service struct {
	repo     *Repo
	wallet   Wallet
	presence *presence.Registry
	notifier Notifier
	typing   TypingStore
	meter    *billing.Metronome
	locks    *sessionLocks
	opts     Options
	now      func() time.Time
}

func NewService(repo *Repo, w Wallet, reg *presence.Registry, n Notifier, opts Options) *Service {
	if opts.BillingInterval <= 0 {
		opts.BillingInterval = time.Minute
	}
	if opts.UnattendedAfter <= 0 {
		opts.UnattendedAfter = 2 * time.Minute
	}
	if opts.TrackerIdle <= 0 {
		opts.TrackerIdle = 5 * time.Minute
	}
	s := &Service{
		repo:     repo,
		wallet:   w,
		presence: reg,
		notifier: n,
		locks:    newSessionLocks(),
		opts:     opts,
		now:      time.Now,
	}
	s.meter = billing.NewMetronome(opts.BillingInterval, s.Tick)
	return s
}

func (s *Service) SetTypingStore(ts TypingStore) { s.typing = ts }

// Metronome exposes the billing clocks for inspection.
func (s *Service) Metronome() *billing.Metronome { return s.meter }

// Shutdown stops every billing clock. No session is billed after it returns.
func (s *Service) Shutdown() {
	s.meter.Shutdown()
}

func pairOf(sess *Session) presence.PairKey {
	return presence.PairKey{UserID: sess.UserID, PersonaID: sess.PersonaID}
}

// Start returns the active session of the pair, creating it if needed.
func (s *Service) Start(ctx context.Context, userID, personaID uint64) (*Session, bool, error) {
	existing, err := s.repo.GetActiveSession(ctx, userID, personaID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	balance, err := s.wallet.Balance(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if balance <= 0 {
		return nil, false, ErrInsufficientBalance
	}

	if _, err := s.repo.GetPersona(ctx, personaID); err != nil {
		return nil, false, err
	}

	sid, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	now := s.now()
	sess, created, err := s.repo.CreateSessionIfAbsent(ctx, &Session{
		SessionID:      sid,
		UserID:         userID,
		PersonaID:      personaID,
		LastActivityAt: now,
		StartedAt:      now,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		slog.Info("chat session started", "session_id", sess.SessionID, "user_id", userID, "persona_id", personaID)
	}
	return sess, created, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.repo.GetSessionBySessionID(ctx, sessionID)
}

// activeSession loads a session that must still be active.
func (s *Service) activeSession(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Active() {
		return nil, ErrSessionEnded
	}
	return sess, nil
}

// UserJoin registers conn as the user side of the session.
func (s *Service) UserJoin(ctx context.Context, sessionID string, userID uint64, conn presence.Conn) (*Session, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrUnauthorized
	}
	if !sess.Active() {
		return nil, ErrSessionEnded
	}

	balance, err := s.wallet.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	history, err := s.repo.ListPairHistory(ctx, sess.UserID, sess.PersonaID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.presence.JoinUser(sessionID, pairOf(sess), conn)
	if _, err := s.repo.UpdateActiveSession(ctx, sessionID, map[string]any{"last_activity_at": s.now()}); err != nil {
		slog.Warn("touch session failed", "session_id", sessionID, "error", err)
	}

	agentConn, _ := s.presence.AgentConn(sessionID)
	_ = conn.Send(event(EventSessionJoined, SessionJoined{
		Session:      sess,
		History:      history,
		Balance:      balance,
		UserPresent:  true,
		AgentPresent: agentConn != nil,
	}))
	slog.Info("user joined session", "session_id", sessionID, "user_id", userID, "agent_present", agentConn != nil)

	if agentConn != nil {
		s.presence.SendAgent(sessionID, event(EventUserJoined, PresenceChange{SessionID: sessionID, BillingPaused: sess.BillingPaused}))
		if err := s.resumeLocked(ctx, sess); err != nil {
			slog.Error("resume billing failed", "session_id", sessionID, "error", err)
		}
	}
	return sess, nil
}

// AgentJoin binds an agent to the session, replays what it missed and
// resumes billing when the user is present.
func (s *Service) AgentJoin(ctx context.Context, sessionID string, agentID uint64, conn presence.Conn) (*Session, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Active() {
		// a stale link into a pair that another agent is serving right now
		if holder, held := s.presence.LockHolder(pairOf(sess)); held && holder != sessionID {
			if c, bound := s.presence.AgentConn(holder); c != nil && bound != agentID {
				return nil, &AgentConflictError{SessionID: holder}
			}
		}
		return nil, ErrSessionEnded
	}

	if conflict, ok := s.presence.JoinAgent(sessionID, pairOf(sess), agentID, conn); !ok {
		slog.Warn("agent join rejected", "session_id", sessionID, "agent_id", agentID, "conflict_session_id", conflict)
		return nil, &AgentConflictError{SessionID: conflict}
	}

	if err := s.assignAgentLocked(ctx, sess, agentID); err != nil {
		s.presence.LeaveAgent(sessionID, conn)
		return nil, err
	}

	balance, err := s.wallet.Balance(ctx, sess.UserID)
	if err != nil {
		s.presence.LeaveAgent(sessionID, conn)
		return nil, err
	}
	history, err := s.repo.ListPairHistory(ctx, sess.UserID, sess.PersonaID)
	if err != nil {
		s.presence.LeaveAgent(sessionID, conn)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		s.presence.LeaveAgent(sessionID, conn)
		return nil, err
	}

	userPresent := s.presence.UserConn(sessionID) != nil
	_ = conn.Send(event(EventSessionJoined, SessionJoined{
		Session:      sess,
		History:      agentViews(history),
		Balance:      balance,
		UserPresent:  userPresent,
		AgentPresent: true,
	}))

	if _, err := s.replayLocked(ctx, sess, conn); err != nil {
		slog.Error("replay failed", "session_id", sessionID, "agent_id", agentID, "error", err)
	}

	slog.Info("agent joined session", "session_id", sessionID, "agent_id", agentID, "user_present", userPresent)
	if userPresent {
		s.presence.SendUser(sessionID, event(EventAdminJoined, PresenceChange{SessionID: sessionID}))
		if err := s.resumeLocked(ctx, sess); err != nil {
			slog.Error("resume billing failed", "session_id", sessionID, "error", err)
		}
	}
	return sess, nil
}

// assignAgentLocked records agentID as the session's agent and keeps the
// agents' active-session counters and the billing tracker in step.
func (s *Service) assignAgentLocked(ctx context.Context, sess *Session, agentID uint64) error {
	now := s.now()
	fields := map[string]any{"is_agent_active": true}
	prev := sess.AgentID
	reassigned := prev == nil || *prev != agentID
	if reassigned {
		fields["agent_id"] = agentID
	}
	if _, err := s.repo.UpdateActiveSession(ctx, sess.SessionID, fields); err != nil {
		return fmt.Errorf("assign agent: %w", err)
	}
	sess.IsAgentActive = true

	if reassigned {
		sess.AgentID = &agentID
		if err := s.repo.AdjustAgentSessions(ctx, agentID, 1); err != nil {
			slog.Warn("agent counter increment failed", "agent_id", agentID, "error", err)
		}
		if prev != nil {
			if err := s.repo.AdjustAgentSessions(ctx, *prev, -1); err != nil {
				slog.Warn("agent counter decrement failed", "agent_id", *prev, "error", err)
			}
		}
	}

	if t, err := s.repo.OpenTrackerFor(ctx, sess.SessionID, agentID); err == nil {
		if err := s.repo.UpdateTracker(ctx, t.ID, map[string]any{"last_heartbeat_at": now}); err != nil {
			slog.Warn("tracker touch failed", "session_id", sess.SessionID, "error", err)
		}
		return nil
	}
	if err := s.repo.CloseTrackers(ctx, sess.SessionID, now); err != nil {
		slog.Warn("tracker close failed", "session_id", sess.SessionID, "error", err)
	}
	if _, err := s.repo.OpenTracker(ctx, sess.SessionID, agentID, now); err != nil {
		slog.Warn("tracker open failed", "session_id", sess.SessionID, "agent_id", agentID, "error", err)
	}
	return nil
}

// Resume restarts billing if both sides are present.
func (s *Service) Resume(ctx context.Context, sessionID string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.activeSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.resumeLocked(ctx, sess)
}

func (s *Service) resumeLocked(ctx context.Context, sess *Session) error {
	if !s.presence.Copresent(sess.SessionID) {
		return nil
	}
	if sess.BillingPaused {
		if _, err := s.repo.UpdateActiveSession(ctx, sess.SessionID, map[string]any{"billing_paused": false}); err != nil {
			return err
		}
		sess.BillingPaused = false
		if _, agentID := s.presence.AgentConn(sess.SessionID); agentID != 0 {
			if t, err := s.repo.OpenTrackerFor(ctx, sess.SessionID, agentID); err == nil {
				if err := s.repo.UpdateTracker(ctx, t.ID, map[string]any{"paused_at": nil, "pause_reason": nil}); err != nil {
					slog.Warn("tracker resume failed", "session_id", sess.SessionID, "error", err)
				}
			}
		}
	}
	// the clock starts with the first agent message, not with presence
	if sess.BillingStarted && s.meter.ArmIfIdle(sess.SessionID) {
		slog.Info("billing resumed", "session_id", sess.SessionID)
	}
	return nil
}

func (s *Service) pauseLocked(ctx context.Context, sess *Session, reason PauseReason) error {
	s.meter.Stop(sess.SessionID)
	if _, err := s.repo.UpdateActiveSession(ctx, sess.SessionID, map[string]any{"billing_paused": true}); err != nil {
		return err
	}
	sess.BillingPaused = true

	if err := s.repo.PauseTrackers(ctx, sess.SessionID, s.now(), string(reason)); err != nil {
		slog.Warn("tracker pause failed", "session_id", sess.SessionID, "error", err)
	}
	slog.Info("billing paused", "session_id", sess.SessionID, "reason", reason)
	return nil
}

// AgentDisconnected handles the agent's connection going away: billing
// pauses and the pair lock is released, the session stays open.
func (s *Service) AgentDisconnected(ctx context.Context, sessionID string, conn presence.Conn) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	if !s.presence.LeaveAgent(sessionID, conn) {
		return
	}
	s.agentGoneLocked(ctx, sessionID, PauseAgentDisconnect)
}

// ReleaseAgent is an agent stepping away from a session on purpose.
func (s *Service) ReleaseAgent(ctx context.Context, sessionID string, agentID uint64) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	conn, bound := s.presence.AgentConn(sessionID)
	if conn == nil || bound != agentID {
		return ErrUnauthorized
	}
	s.presence.LeaveAgent(sessionID, conn)
	s.agentGoneLocked(ctx, sessionID, PauseExplicitRelease)
	return nil
}

func (s *Service) agentGoneLocked(ctx context.Context, sessionID string, reason PauseReason) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil || !sess.Active() {
		s.meter.Stop(sessionID)
		return
	}
	if err := s.pauseLocked(ctx, sess, reason); err != nil {
		slog.Error("pause on agent leave failed", "session_id", sessionID, "error", err)
	}
	if _, err := s.repo.UpdateActiveSession(ctx, sessionID, map[string]any{"is_agent_active": false}); err != nil {
		slog.Warn("clear agent flag failed", "session_id", sessionID, "error", err)
	}
	s.presence.SendUser(sessionID, event(EventAdminDisconnected, PresenceChange{
		SessionID:     sessionID,
		BillingPaused: true,
		Reason:        string(reason),
	}))
	slog.Info("agent left session", "session_id", sessionID, "reason", reason)
}

// UserDisconnected ends the session; the user leaving is never a pause.
func (s *Service) UserDisconnected(ctx context.Context, sessionID string, conn presence.Conn) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	if !s.presence.LeaveUser(sessionID, conn) {
		return
	}
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		slog.Error("load session on user disconnect failed", "session_id", sessionID, "error", err)
		s.meter.Stop(sessionID)
		return
	}
	if err := s.endLocked(ctx, sess, EndUserDisconnect); err != nil {
		slog.Error("end on user disconnect failed", "session_id", sessionID, "error", err)
	}
}

// End closes the session. Ending an ended session is a no-op.
func (s *Service) End(ctx context.Context, sessionID string, reason EndReason) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.endLocked(ctx, sess, reason)
}

// EndAsUser ends a session on behalf of its owner.
func (s *Service) EndAsUser(ctx context.Context, sessionID string, userID uint64) error {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return ErrUnauthorized
	}
	return s.End(ctx, sessionID, EndUserRequest)
}

// EndAsAgent ends a session on behalf of its assigned agent.
func (s *Service) EndAsAgent(ctx context.Context, sessionID string, agentID uint64) error {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.AgentID == nil || *sess.AgentID != agentID {
		return ErrUnauthorized
	}
	return s.End(ctx, sessionID, EndAgentRequest)
}

func (s *Service) endLocked(ctx context.Context, sess *Session, reason EndReason) error {
	s.meter.Stop(sess.SessionID)

	now := s.now()
	ended, err := s.repo.EndSession(ctx, sess.SessionID, reason, now)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if !ended {
		return nil
	}
	sess.Status = StatusEnded
	sess.EndReason = &reason
	sess.EndedAt = &now
	sess.ActivePair = nil
	sess.IsAgentActive = false

	if sess.AgentID != nil {
		if err := s.repo.AdjustAgentSessions(ctx, *sess.AgentID, -1); err != nil {
			slog.Warn("agent counter decrement failed", "agent_id", *sess.AgentID, "error", err)
		}
	}
	if err := s.repo.CloseTrackers(ctx, sess.SessionID, now); err != nil {
		slog.Warn("tracker close failed", "session_id", sess.SessionID, "error", err)
	}

	s.presence.Broadcast(sess.SessionID, event(EventSessionEnded, SessionEnded{SessionID: sess.SessionID, Reason: reason}))
	s.presence.Drop(sess.SessionID)
	if s.typing != nil {
		_ = s.typing.SetTyping(ctx, sess.SessionID, string(RoleUser), false)
	}

	slog.Info("chat session ended", "session_id", sess.SessionID, "reason", reason, "minutes_used", sess.MinutesUsed)
	return nil
}

// Credit applies a purchase and pushes the new balance to a connected user.
func (s *Service) Credit(ctx context.Context, userID uint64, minutes int, ref string) (int, error) {
	balance, err := s.wallet.Credit(ctx, userID, minutes, ref)
	if err != nil {
		return 0, err
	}
	s.presence.SendToUser(userID, event(EventBalanceUpdate, BalanceUpdate{Balance: balance}))
	return balance, nil
}

func (s *Service) Balance(ctx context.Context, userID uint64) (int, error) {
	return s.wallet.Balance(ctx, userID)
}
