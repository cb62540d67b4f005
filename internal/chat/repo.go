package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/suPer8Hu/persona-chat/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// CreateSessionIfAbsent inserts s unless the pair already has an active
// session, in which case the existing one is returned with created=false.
func (r *Repo) CreateSessionIfAbsent(ctx context.Context, s *Session) (*Session, bool, error) {
	key := pairKey(s.UserID, s.PersonaID)
	s.ActivePair = &key
	s.Status = StatusActive

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(s)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create session: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return s, true, nil
	}

	existing, err := r.GetActiveSession(ctx, s.UserID, s.PersonaID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *Repo) GetActiveSession(ctx context.Context, userID, personaID uint64) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("active_pair = ?", pairKey(userID, personaID)).
		First(&s).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *Repo) GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// UpdateActiveSession applies fields only while the session is still active.
func (r *Repo) UpdateActiveSession(ctx context.Context, sessionID string, fields map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ? AND status = ?", sessionID, StatusActive).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// EndSession flips an active session to ended; false if it already was.
func (r *Repo) EndSession(ctx context.Context, sessionID string, reason EndReason, at time.Time) (bool, error) {
	return r.UpdateActiveSession(ctx, sessionID, map[string]any{
		"status":          StatusEnded,
		"active_pair":     nil,
		"end_reason":      reason,
		"ended_at":        at,
		"is_agent_active": false,
		"billing_paused":  true,
	})
}

func (r *Repo) AddMinutesUsed(ctx context.Context, sessionID string, minutes int) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Update("minutes_used", gorm.Expr("minutes_used + ?", minutes)).Error
}

// ListUnattendedSessions returns active sessions with no agent present that have
// been idle since before the cutoff.
func (r *Repo) ListUnattendedSessions(ctx context.Context, cutoff time.Time, limit int) ([]Session, error) {
	var out []Session
	if err := r.db.WithContext(ctx).
		Where("status = ? AND is_agent_active = ? AND last_activity_at < ?", StatusActive, false, cutoff).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// InsertMessage stores m and bumps the session counters in one transaction.
func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Model(&Session{}).
			Where("session_id = ?", m.SessionID).
			Updates(map[string]any{
				"total_messages":   gorm.Expr("total_messages + 1"),
				"last_activity_at": m.CreatedAt,
			}).Error
	})
}

func (r *Repo) GetMessageByIdempotencyKey(ctx context.Context, sessionID string, senderID uint64, key string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND sender_id = ? AND idempotency_key = ?", sessionID, senderID, key).
		First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// InsertMessageOrGetExisting is InsertMessage keyed by the message's
// idempotency key; a repeated key returns the stored message.
func (r *Repo) InsertMessageOrGetExisting(ctx context.Context, m *Message) (*Message, bool, error) {
	if m.IdempotencyKey == nil || *m.IdempotencyKey == "" {
		m.IdempotencyKey = nil
		if err := r.InsertMessage(ctx, m); err != nil {
			return nil, false, err
		}
		return m, true, nil
	}

	existing, err := r.GetMessageByIdempotencyKey(ctx, m.SessionID, m.SenderID, *m.IdempotencyKey)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if err := r.InsertMessage(ctx, m); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// ListMessages returns messages in DESC id order (newest -> oldest).
func (r *Repo) ListMessages(ctx context.Context, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(limit)

	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListPairHistory returns every message ever exchanged between the user and
// the persona, across sessions, oldest first.
func (r *Repo) ListPairHistory(ctx context.Context, userID, personaID uint64) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND persona_id = ?", userID, personaID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListUndelivered returns messages the agent side has not seen, oldest first.
func (r *Repo) ListUndelivered(ctx context.Context, sessionID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND delivered_to_agent = ?", sessionID, false).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkDelivered flips the delivery flag of the given messages. Rows already
// delivered are left untouched; the number actually flipped is returned.
func (r *Repo) MarkDelivered(ctx context.Context, ids []uint64, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("id IN ? AND delivered_to_agent = ?", ids, false).
		Updates(map[string]any{
			"delivered_to_agent": true,
			"delivered_at":       at,
		})
	return res.RowsAffected, res.Error
}

func (r *Repo) GetPersona(ctx context.Context, id uint64) (*models.Persona, error) {
	var p models.Persona
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *Repo) GetUser(ctx context.Context, id uint64) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// AdjustAgentSessions moves an agent's active-session counter by delta,
// never below zero.
func (r *Repo) AdjustAgentSessions(ctx context.Context, agentID uint64, delta int) error {
	q := r.db.WithContext(ctx).Model(&models.Agent{}).Where("id = ?", agentID)
	if delta < 0 {
		q = q.Where("active_sessions >= ?", -delta)
	}
	return q.Update("active_sessions", gorm.Expr("active_sessions + ?", delta)).Error
}

// Billing trackers

func (r *Repo) OpenTracker(ctx context.Context, sessionID string, agentID uint64, at time.Time) (*BillingTracker, error) {
	t := &BillingTracker{
		SessionID:       sessionID,
		AgentID:         agentID,
		StartedAt:       at,
		LastHeartbeatAt: at,
	}
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Repo) OpenTrackerFor(ctx context.Context, sessionID string, agentID uint64) (*BillingTracker, error) {
	var t BillingTracker
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND agent_id = ? AND ended_at IS NULL", sessionID, agentID).
		Order("id DESC").
		First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *Repo) UpdateTracker(ctx context.Context, id uint64, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&BillingTracker{}).
		Where("id = ?", id).
		Updates(fields).Error
}

// CloseTrackers ends every open tracker of the session.
func (r *Repo) CloseTrackers(ctx context.Context, sessionID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&BillingTracker{}).
		Where("session_id = ? AND ended_at IS NULL", sessionID).
		Update("ended_at", at).Error
}

func (r *Repo) TouchTrackers(ctx context.Context, sessionID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&BillingTracker{}).
		Where("session_id = ? AND ended_at IS NULL", sessionID).
		Update("last_heartbeat_at", at).Error
}

func (r *Repo) PauseTrackers(ctx context.Context, sessionID string, at time.Time, reason string) error {
	return r.db.WithContext(ctx).Model(&BillingTracker{}).
		Where("session_id = ? AND ended_at IS NULL AND paused_at IS NULL", sessionID).
		Updates(map[string]any{"paused_at": at, "pause_reason": reason}).Error
}
