package notify

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is one "agents needed" notification in the outbox.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	SessionID string `gorm:"size:26;index;not null"`
	UserName  string `gorm:"size:128;not null"`

	Status   JobStatus `gorm:"type:varchar(16);index;not null"`
	Attempts int       `gorm:"not null;default:0"`

	// last delivery error, kept across retries
	Error *string `gorm:"type:text"`

	DeliveredAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Job) TableName() string { return "notification_jobs" }
