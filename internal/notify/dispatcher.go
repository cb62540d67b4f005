package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/suPer8Hu/persona-chat/internal/common"
)

// Cooldown grants at most one notification per key and window across
// processes.
type Cooldown interface {
	AcquireCooldown(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type Publisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// Dispatcher turns "this session needs an agent" into an outbox job and
// hands it to the queue. Failures are logged and never reach the caller.
type Dispatcher struct {
	repo     *Repo
	cooldown Cooldown
	pub      Publisher
	inline   *Processor
	window   time.Duration

	mu    sync.Mutex
	local map[string]time.Time
	now   func() time.Time
}

func NewDispatcher(repo *Repo, cd Cooldown, pub Publisher, window time.Duration) *Dispatcher {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Dispatcher{
		repo:     repo,
		cooldown: cd,
		pub:      pub,
		window:   window,
		local:    make(map[string]time.Time),
		now:      time.Now,
	}
}

// DeliverInline makes the dispatcher process jobs itself when no queue is
// configured.
func (d *Dispatcher) DeliverInline(p *Processor) { d.inline = p }

func (d *Dispatcher) NotifyAgentsNeeded(ctx context.Context, sessionID, userName string) {
	if !d.acquire(ctx, sessionID) {
		slog.Debug("agents-needed suppressed by cooldown", "session_id", sessionID)
		return
	}

	id, err := common.NewULID()
	if err != nil {
		slog.Error("notification id", "session_id", sessionID, "error", err)
		return
	}
	job := &Job{
		ID:        id,
		SessionID: sessionID,
		UserName:  userName,
		Status:    JobQueued,
	}
	if err := d.repo.CreateJob(ctx, job); err != nil {
		slog.Error("create notification job", "session_id", sessionID, "error", err)
		return
	}
	d.dispatch(ctx, job.ID)
	slog.Info("agents needed", "session_id", sessionID, "job_id", job.ID)
}

func (d *Dispatcher) dispatch(ctx context.Context, jobID string) {
	if d.pub != nil {
		if err := d.pub.PublishJob(ctx, jobID); err != nil {
			// stays queued; the relay picks it up again
			slog.Warn("publish notification job", "job_id", jobID, "error", err)
		}
		return
	}
	if d.inline != nil {
		if out, err := d.inline.Handle(ctx, jobID); err != nil {
			slog.Warn("inline notification delivery", "job_id", jobID, "outcome", out.String(), "error", err)
		}
	}
}

func (d *Dispatcher) acquire(ctx context.Context, sessionID string) bool {
	if d.cooldown != nil {
		ok, err := d.cooldown.AcquireCooldown(ctx, "agents_needed:"+sessionID, d.window)
		if err == nil {
			return ok
		}
		slog.Warn("cooldown store unavailable, using local window", "error", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if last, ok := d.local[sessionID]; ok && now.Sub(last) < d.window {
		return false
	}
	for k, t := range d.local {
		if now.Sub(t) >= d.window {
			delete(d.local, k)
		}
	}
	d.local[sessionID] = now
	return true
}

// RelayStale republishes jobs whose publish was lost.
func (d *Dispatcher) RelayStale(ctx context.Context, olderThan time.Duration) int {
	jobs, err := d.repo.ListStaleQueued(ctx, d.now().Add(-olderThan), 100)
	if err != nil {
		slog.Warn("list stale notification jobs", "error", err)
		return 0
	}
	for _, j := range jobs {
		d.dispatch(ctx, j.ID)
	}
	return len(jobs)
}

// StartRelay runs RelayStale every interval until ctx is done.
func (d *Dispatcher) StartRelay(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := d.RelayStale(ctx, interval); n > 0 {
					slog.Info("relayed stale notification jobs", "count", n)
				}
			}
		}
	}()
}
