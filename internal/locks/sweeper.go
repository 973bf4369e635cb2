package locks

import (
	"context"
	"time"
)

const (
	DefaultSweepInterval = time.Minute
	DefaultMaxAge        = 5 * time.Minute
)

// RunSweeper sweeps once immediately, then every interval, until ctx is
// done. Stale locks left by a crash are therefore cleared at startup.
func (m *Manager) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	m.sweepLogged(ctx, maxAge)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepLogged(ctx, maxAge)
		}
	}
}

func (m *Manager) sweepLogged(ctx context.Context, maxAge time.Duration) {
	if _, err := m.Sweep(ctx, maxAge); err != nil && ctx.Err() == nil {
		m.logger.Warn("locks.sweep_error", "error", err)
	}
}
