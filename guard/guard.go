// Package guard locks the vault when no browser session is observable.
package guard

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultInterval     = 5 * time.Second
	defaultQueryTimeout = 2 * time.Second
)

// Locker is the vault as seen by the guard.
type Locker interface {
	Lock(ctx context.Context) error
	IsUnlocked() bool
}

// Windows counts the open top-level browser windows.
type Windows interface {
	CountWindows(ctx context.Context) (int, error)
}

// Option configures a Guard.
type Option func(*Guard)

// WithInterval sets the tick period.
func WithInterval(d time.Duration) Option {
	return func(g *Guard) { g.interval = d }
}

// WithQueryTimeout bounds each window-count query.
func WithQueryTimeout(d time.Duration) Option {
	return func(g *Guard) { g.queryTimeout = d }
}

// Guard is the session guard.
type Guard struct {
	locker       Locker
	windows      Windows
	interval     time.Duration
	queryTimeout time.Duration

	ticks atomic.Uint64
	locks atomic.Uint64
}

// New creates a guard. Call Run to start it.
func New(locker Locker, windows Windows, opts ...Option) *Guard {
	g := &Guard{
		locker:       locker,
		windows:      windows,
		interval:     defaultInterval,
		queryTimeout: defaultQueryTimeout,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Tick performs one liveness check. The vault is locked when the host
// cannot be queried, reports zero windows, or no material is loaded.
// Reports whether Lock was called.
func (g *Guard) Tick(ctx context.Context) bool {
	g.ticks.Add(1)

	qctx, cancel := context.WithTimeout(ctx, g.queryTimeout)
	n, err := g.windows.CountWindows(qctx)
	cancel()

	var reason string
	switch {
	case err != nil:
		reason = "window query failed"
	case n == 0:
		reason = "no open windows"
	case !g.locker.IsUnlocked():
		reason = "no wallet loaded"
	default:
		return false
	}

	if err := g.locker.Lock(ctx); err != nil {
		log.Error().Err(err).Msg("Session guard failed to clear session state")
	}
	g.locks.Add(1)

	ev := log.Debug()
	if reason != "no wallet loaded" {
		ev = log.Info()
	}
	ev.Err(err).Str("reason", reason).Int("windows", n).Msg("Session guard locked vault")
	return true
}

// Run ticks until ctx is cancelled.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", g.interval).Msg("Session guard started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Session guard stopped")
			return
		case <-ticker.C:
			g.Tick(ctx)
		}
	}
}

// Ticks returns the number of checks performed.
func (g *Guard) Ticks() uint64 { return g.ticks.Load() }

// Locks returns the number of checks that locked the vault.
func (g *Guard) Locks() uint64 { return g.locks.Load() }
