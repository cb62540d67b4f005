package chat

import (
	"context"
	"log/slog"
	"time"
)

const sweepBatch = 100

// SweepUnattended asks for agents on every active session whose user is
// waiting with nobody on the other side for longer than UnattendedAfter.
// The notifier deduplicates, so re-sweeping the same session is harmless.
func (s *Service) SweepUnattended(ctx context.Context) int {
	cutoff := s.now().Add(-s.opts.UnattendedAfter)
	sessions, err := s.repo.ListUnattendedSessions(ctx, cutoff, sweepBatch)
	if err != nil {
		slog.Error("unattended sweep failed", "error", err)
		return 0
	}

	notified := 0
	for i := range sessions {
		sess := &sessions[i]
		if s.presence.UserConn(sess.SessionID) == nil {
			continue
		}
		if c, _ := s.presence.AgentConn(sess.SessionID); c != nil {
			continue
		}
		if s.notifier != nil {
			s.notifier.NotifyAgentsNeeded(ctx, sess.SessionID, s.userName(ctx, sess.UserID))
			notified++
		}
	}
	if notified > 0 {
		slog.Info("unattended sessions flagged", "count", notified)
	}
	return notified
}

// StartSweeper runs SweepUnattended every interval until ctx is done.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("unattended sweeper started", "interval", interval, "after", s.opts.UnattendedAfter)

		for {
			select {
			case <-ticker.C:
				s.SweepUnattended(ctx)
			case <-ctx.Done():
				slog.Info("unattended sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
