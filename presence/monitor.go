package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 60 * time.Second
)

// Sweeper evicts stale members. The protocol engine implements it so that
// evictions go through the same single-writer path as every other transition.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

// Monitor runs a Sweeper on a fixed period until stopped.
type Monitor struct {
	interval time.Duration
	sweeper  Sweeper
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(interval time.Duration, sweeper Sweeper, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		interval: interval,
		sweeper:  sweeper,
		logger:   logger,
	}
}

// Start launches the sweep loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	m.logger.Info("liveness monitor started", "interval", m.interval)
}

// Stop cancels the loop and waits for an in-flight sweep to finish or ctx to
// expire.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		m.logger.Info("liveness monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := m.sweeper.Sweep(ctx); evicted > 0 {
				m.logger.Info("evicted stale members", "count", evicted)
			}
		}
	}
}
