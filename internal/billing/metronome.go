// Package billing runs the per-session billing clock.
package billing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TickFunc is called once per interval for a session. Returning false stops
// that session's clock.
type TickFunc func(ctx context.Context, sessionID string) bool

type timer struct {
	gen    uint64
	cancel context.CancelFunc
}

// Metronome owns at most one running timer per session. Arm always cancels
// the previous timer of the session before starting a new one.
type Metronome struct {
	interval time.Duration
	tick     TickFunc

	mu     sync.Mutex
	timers map[string]timer
	gen    uint64
	closed bool
	wg     sync.WaitGroup
}

func NewMetronome(interval time.Duration, tick TickFunc) *Metronome {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Metronome{
		interval: interval,
		tick:     tick,
		timers:   make(map[string]timer),
	}
}

func (m *Metronome) Interval() time.Duration { return m.interval }

// Arm (re)starts the clock for sessionID.
func (m *Metronome) Arm(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	if t, ok := m.timers[sessionID]; ok {
		t.cancel()
	}

	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	t := timer{gen: m.gen, cancel: cancel}
	m.timers[sessionID] = t

	m.wg.Add(1)
	go m.run(ctx, sessionID, t.gen)
	slog.Debug("metronome armed", "session_id", sessionID, "interval", m.interval)
}

// ArmIfIdle starts the clock only when none is running. It reports whether a
// new clock was started.
func (m *Metronome) ArmIfIdle(sessionID string) bool {
	m.mu.Lock()
	_, running := m.timers[sessionID]
	m.mu.Unlock()
	if running {
		return false
	}
	m.Arm(sessionID)
	return true
}

// Stop cancels the clock of sessionID. It does not wait for an in-flight
// tick, so it is safe to call from inside a TickFunc.
func (m *Metronome) Stop(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[sessionID]
	if !ok {
		return false
	}
	t.cancel()
	delete(m.timers, sessionID)
	slog.Debug("metronome stopped", "session_id", sessionID)
	return true
}

func (m *Metronome) Running(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[sessionID]
	return ok
}

// Active returns the number of running clocks.
func (m *Metronome) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Shutdown cancels every clock and waits for in-flight ticks to return.
func (m *Metronome) Shutdown() {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.timers {
		t.cancel()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Metronome) run(ctx context.Context, sessionID string, gen uint64) {
	defer m.wg.Done()
	defer m.release(sessionID, gen)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if !m.tick(ctx, sessionID) {
				return
			}
		}
	}
}

// release drops the map entry unless a newer Arm already replaced it.
func (m *Metronome) release(sessionID string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[sessionID]; ok && t.gen == gen {
		t.cancel()
		delete(m.timers, sessionID)
	}
}
