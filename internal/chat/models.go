package chat

import (
	"fmt"
	"time"
)

type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusEnded  SessionStatus = "ended"
)

type EndReason string

const (
	EndUserRequest    EndReason = "user_request"
	EndAgentRequest   EndReason = "agent_request"
	EndUserDisconnect EndReason = "user_disconnect"
	EndNoMinutes      EndReason = "no_minutes"
)

type PauseReason string

const (
	PauseAgentDisconnect PauseReason = "agent_disconnect"
	PauseExplicitRelease PauseReason = "explicit_release"
)

// Session is one continuous engagement between a user and a persona.
// ActivePair is set only while the session is active; its unique index is
// what makes "one active session per (user, persona)" hold in storage.
type Session struct {
	ID             uint64        `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID      string        `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	UserID         uint64        `gorm:"not null;index:idx_chat_session_pair,priority:1" json:"user_id"`
	PersonaID      uint64        `gorm:"not null;index:idx_chat_session_pair,priority:2" json:"persona_id"`
	AgentID        *uint64       `gorm:"index" json:"-"`
	Status         SessionStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	ActivePair     *string       `gorm:"type:varchar(64);uniqueIndex" json:"-"`
	BillingStarted bool          `gorm:"not null;default:false" json:"billing_started"`
	BillingPaused  bool          `gorm:"not null;default:false" json:"billing_paused"`
	IsAgentActive  bool          `gorm:"not null;default:false" json:"is_agent_active"`
	TotalMessages  int           `gorm:"not null;default:0" json:"total_messages"`
	MinutesUsed    int           `gorm:"not null;default:0" json:"minutes_used"`
	EndReason      *EndReason    `gorm:"type:varchar(32)" json:"end_reason,omitempty"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

func (s *Session) Active() bool { return s.Status == StatusActive }

func pairKey(userID, personaID uint64) string {
	return fmt.Sprintf("%d:%d", userID, personaID)
}

type Role string

const (
	RoleUser    Role = "user"
	RolePersona Role = "persona"
	RoleSupport Role = "support"
)

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeAudio MessageType = "audio"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeAudio:
		return true
	}
	return false
}

// Author is who wrote a message. ImpersonatedBy is set only for RolePersona
// and holds the human agent behind the persona.
type Author struct {
	Role           Role
	SenderID       uint64
	ImpersonatedBy *uint64
}

func UserAuthor(userID uint64) Author {
	return Author{Role: RoleUser, SenderID: userID}
}

// PersonaAuthor is an agent writing as the persona.
func PersonaAuthor(personaID, agentID uint64) Author {
	return Author{Role: RolePersona, SenderID: personaID, ImpersonatedBy: &agentID}
}

// SupportAuthor is an agent writing openly as support staff.
func SupportAuthor(agentID uint64) Author {
	return Author{Role: RoleSupport, SenderID: agentID}
}

// AgentID returns the human agent behind an agent-side author.
func (a Author) AgentID() (uint64, bool) {
	switch a.Role {
	case RolePersona:
		if a.ImpersonatedBy != nil {
			return *a.ImpersonatedBy, true
		}
		return 0, false
	case RoleSupport:
		return a.SenderID, true
	case RoleUser:
		return 0, false
	default:
		return 0, false
	}
}

func (a Author) FromAgent() bool {
	_, ok := a.AgentID()
	return ok
}

type Message struct {
	ID               uint64      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID        string      `gorm:"type:varchar(26);not null;index:idx_chat_msg_delivery,priority:1;index:uniq_chat_msg_idempo,unique,priority:1" json:"session_id"`
	UserID           uint64      `gorm:"not null;index:idx_chat_msg_pair,priority:1" json:"-"`
	PersonaID        uint64      `gorm:"not null;index:idx_chat_msg_pair,priority:2" json:"persona_id"`
	SenderID         uint64      `gorm:"not null;index:uniq_chat_msg_idempo,unique,priority:2" json:"sender_id"`
	Role             Role        `gorm:"type:varchar(16);index;not null" json:"role"`
	ImpersonatedBy   *uint64     `gorm:"index" json:"-"`
	Content          string      `gorm:"type:text;not null" json:"content"`
	Type             MessageType `gorm:"type:varchar(16);not null;default:text" json:"type"`
	DeliveredToAgent bool        `gorm:"not null;default:false;index:idx_chat_msg_delivery,priority:2" json:"delivered_to_agent"`
	DeliveredAt      *time.Time  `json:"delivered_at,omitempty"`
	IdempotencyKey   *string     `gorm:"type:varchar(128);index:uniq_chat_msg_idempo,unique,priority:3" json:"-"`
	EditedAt         *time.Time  `json:"edited_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// AgentView is the agent-facing shape of a message; it carries the
// impersonation reference that users never see.
type AgentView struct {
	Message
	ImpersonatedBy *uint64 `json:"impersonated_by,omitempty"`
}

func agentView(m Message) AgentView {
	return AgentView{Message: m, ImpersonatedBy: m.ImpersonatedBy}
}

func agentViews(msgs []Message) []AgentView {
	out := make([]AgentView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, agentView(m))
	}
	return out
}

// BillingTracker records one agent-assignment period within a session.
type BillingTracker struct {
	ID                 uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID          string     `gorm:"type:varchar(26);index;not null" json:"session_id"`
	AgentID            uint64     `gorm:"index;not null" json:"agent_id"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	AccumulatedSeconds int64      `gorm:"not null;default:0" json:"accumulated_seconds"`
	PausedAt           *time.Time `json:"paused_at,omitempty"`
	PauseReason        *string    `gorm:"type:varchar(32)" json:"pause_reason,omitempty"`
	LastHeartbeatAt    time.Time  `json:"last_heartbeat_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (BillingTracker) TableName() string { return "chat_billing_trackers" }
