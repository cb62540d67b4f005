package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

const DefaultMaxAttempts = 3

type Outcome int

const (
	Delivered Outcome = iota
	Retry
	GiveUp
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Retry:
		return "retry"
	default:
		return "give_up"
	}
}

// Processor delivers one outbox job. The worker maps its outcome onto
// ack, retry queue or dead-letter.
type Processor struct {
	repo        *Repo
	sink        Sink
	maxAttempts int
	now         func() time.Time
}

func NewProcessor(repo *Repo, sink Sink, maxAttempts int) *Processor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Processor{repo: repo, sink: sink, maxAttempts: maxAttempts, now: time.Now}
}

func (p *Processor) Handle(ctx context.Context, jobID string) (Outcome, error) {
	if err := p.repo.UpdateJobStatusRunning(ctx, jobID); err != nil {
		return Retry, err
	}
	j, err := p.repo.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return GiveUp, err
		}
		return Retry, err
	}

	switch j.Status {
	case JobSucceeded:
		// redelivered after a lost ack
		return Delivered, nil
	case JobFailed:
		return GiveUp, errors.New("job already failed")
	}

	if err := p.sink.Deliver(ctx, notificationFor(j)); err != nil {
		if j.Attempts >= p.maxAttempts {
			if mErr := p.repo.MarkJobFailed(ctx, jobID, err.Error()); mErr != nil {
				slog.Error("mark notification failed", "job_id", jobID, "error", mErr)
			}
			return GiveUp, err
		}
		if mErr := p.repo.RecordAttemptError(ctx, jobID, err.Error()); mErr != nil {
			slog.Warn("record notification error", "job_id", jobID, "error", mErr)
		}
		return Retry, err
	}

	if err := p.repo.MarkJobSucceeded(ctx, jobID, p.now()); err != nil {
		// delivered already; a redelivery would notify twice, so do not retry
		slog.Error("mark notification succeeded", "job_id", jobID, "error", err)
	}
	return Delivered, nil
}

// RetryDelay backs off linearly with the attempt number.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * 5 * time.Second
}
