package mcp

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/asyrjasalo/dynamic-mcp/internal/logging"
)

// defaultRetryBackoff spaces the fast retry burst at 2s, 4s, 8s.
func defaultRetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 8 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, maxBurstRetries)
}

// RetryFailed makes one reconnection pass over every failed group whose
// burst budget is not exhausted. Each failure increments the group's
// retry count; successes replace the state with a connected group.
func (m *Manager) RetryFailed(ctx context.Context) {
	m.mu.RLock()
	var names []string
	for name, g := range m.groups {
		if g.Status == StatusFailed && g.RetryCount < maxBurstRetries {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.reconnect(ctx, name)
	}
}

// reconnect re-runs the connect sequence for one failed group. The
// upstream I/O happens outside the lock; the final state transition
// checks the group was not removed (by a reload) in the meantime.
func (m *Manager) reconnect(ctx context.Context, name string) {
	m.mu.RLock()
	g, ok := m.groups[name]
	if !ok || g.Status != StatusFailed {
		m.mu.RUnlock()
		return
	}
	cfg := g.config
	retryCount := g.RetryCount
	m.mu.RUnlock()

	t, tools, err := m.establish(ctx, name, cfg)

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.groups[name]
	if !ok || current.Status != StatusFailed {
		// Removed or already reconnected while we were dialing.
		if t != nil {
			t.Close()
		}
		return
	}

	if err != nil {
		m.groups[name] = &Group{
			Name:        name,
			Description: cfg.Description,
			Status:      StatusFailed,
			Err:         err.Error(),
			RetryCount:  retryCount + 1,
			config:      cfg,
		}
		logging.Debug().Str("group", name).Int("retries", retryCount+1).Err(err).Msg("retry failed")
		return
	}

	m.groups[name] = &Group{
		Name:        name,
		Description: cfg.Description,
		Status:      StatusConnected,
		Tools:       tools,
		transport:   t,
		config:      cfg,
	}
	logging.Info().Str("group", name).Msg("group reconnected")
}

// RetryBurst retries failed groups on the fast backoff schedule until
// every group is connected or the burst budget runs out. Intended to be
// run in its own goroutine right after an initial connect pass.
func (m *Manager) RetryBurst(ctx context.Context) {
	b := m.retryBackoff()
	for {
		if !m.hasRetryableFailures() {
			return
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
		m.RetryFailed(ctx)
	}
}

func (m *Manager) hasRetryableFailures() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.groups {
		if g.Status == StatusFailed && g.RetryCount < maxBurstRetries {
			return true
		}
	}
	return false
}

// RetryLoop retries failed groups every retry interval for the life of
// the process. Retry counts are burst-scoped: the periodic pass resets
// them, so a group is never permanently given up on.
func (m *Manager) RetryLoop(ctx context.Context) {
	ticker := time.NewTicker(m.timeouts.RetryInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.resetRetryBudgets()
			m.RetryFailed(ctx)
		}
	}
}

func (m *Manager) resetRetryBudgets() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.Status == StatusFailed {
			g.RetryCount = 0
		}
	}
}
