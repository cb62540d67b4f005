package notify

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// UpdateJobStatusRunning claims a queued job, or a running one coming back
// from the retry queue, and counts the attempt. Finished jobs are untouched.
func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, []JobStatus{JobQueued, JobRunning}).
		Updates(map[string]any{
			"status":   JobRunning,
			"attempts": gorm.Expr("attempts + 1"),
		}).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       JobSucceeded,
			"delivered_at": at,
			"error":        nil,
		}).Error
}

// RecordAttemptError keeps the job running for another attempt.
func (r *Repo) RecordAttemptError(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Update("error", errMsg).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobFailed,
			"error":  errMsg,
		}).Error
}

// ListStaleQueued returns jobs that never left the outbox, oldest first.
func (r *Repo) ListStaleQueued(ctx context.Context, olderThan time.Time, limit int) ([]Job, error) {
	var jobs []Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", JobQueued, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}
