// Package guard provides a single-holder advisory lock with FIFO hand-off and
// a watchdog that force-releases a holder that never lets go.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/goodtune/sitebudget/internal/metrics"
)

// DefaultTimeout is how long a holder may keep the guard before it is
// force-released.
const DefaultTimeout = 5 * time.Second

// ErrNotHeld is returned by Release when the token no longer owns the guard.
var ErrNotHeld = errors.New("guard: token does not hold the lock")

// Token identifies one ownership period. Tokens are never reused.
type Token uint64

// Guard serializes session-mutating operations.
type Guard struct {
	name    string
	timeout time.Duration
	clock   quartz.Clock
	logger  zerolog.Logger

	mu      sync.Mutex
	held    bool
	current Token
	waiters []chan Token
	timer   *quartz.Timer
}

// Options configures a Guard. Zero values select the defaults.
type Options struct {
	Name    string
	Timeout time.Duration
	Clock   quartz.Clock
}

// New creates a Guard.
func New(opts Options, logger zerolog.Logger) *Guard {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Name == "" {
		opts.Name = "session"
	}

	return &Guard{
		name:    opts.Name,
		timeout: opts.Timeout,
		clock:   opts.Clock,
		logger:  logger.With().Str("component", "guard").Str("guard", opts.Name).Logger(),
	}
}

// Acquire waits for exclusive ownership. Waiters are served in arrival order.
// If ctx ends first the wait is abandoned and ctx.Err() returned.
func (g *Guard) Acquire(ctx context.Context) (Token, error) {
	start := g.clock.Now()

	g.mu.Lock()
	if !g.held {
		tok := g.grantLocked()
		g.mu.Unlock()
		return tok, nil
	}

	ch := make(chan Token, 1)
	g.waiters = append(g.waiters, ch)
	depth := len(g.waiters)
	g.mu.Unlock()

	g.logger.Debug().Int("queue_depth", depth).Msg("Waiting for guard")

	select {
	case tok := <-ch:
		metrics.GuardWaitSeconds.Observe(g.clock.Since(start).Seconds())
		return tok, nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ch {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return 0, ctx.Err()
			}
		}
		g.mu.Unlock()

		// Ownership was handed to us while ctx was ending; pass it on.
		tok := <-ch
		_ = g.Release(tok)
		return 0, ctx.Err()
	}
}

// Release gives up ownership. A token invalidated by a forced release gets
// ErrNotHeld and changes nothing.
func (g *Guard) Release(tok Token) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.held || tok != g.current {
		return ErrNotHeld
	}
	g.handoffLocked()
	return nil
}

// Held reports whether someone currently owns the guard.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// Waiting returns the number of queued acquirers.
func (g *Guard) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

// grantLocked starts a new ownership period and arms the watchdog.
func (g *Guard) grantLocked() Token {
	g.held = true
	g.current++
	tok := g.current
	g.timer = g.clock.AfterFunc(g.timeout, func() { g.expire(tok) }, "guard", "watchdog")
	return tok
}

func (g *Guard) handoffLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.held = false

	if len(g.waiters) == 0 {
		return
	}
	next := g.waiters[0]
	g.waiters = g.waiters[1:]
	next <- g.grantLocked()
}

func (g *Guard) expire(tok Token) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.held || g.current != tok {
		return
	}

	g.logger.Warn().
		Dur("timeout", g.timeout).
		Int("waiters", len(g.waiters)).
		Msg("Guard held past timeout, forcing release")
	metrics.GuardForcedReleases.WithLabelValues(g.name).Inc()

	g.timer = nil
	g.handoffLocked()
}

type holdKey struct{ g *Guard }

// WithLock runs fn while holding the guard and always releases afterwards,
// including when fn panics. If ctx already carries a live hold on this guard
// fn runs directly without queuing. The ctx passed to fn carries the hold.
func (g *Guard) WithLock(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if tok, ok := ctx.Value(holdKey{g}).(Token); ok && g.owns(tok) {
		return runProtected(ctx, fn)
	}

	tok, err := g.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire %s guard: %w", g.name, err)
	}
	defer func() {
		if rerr := g.Release(tok); rerr != nil {
			g.logger.Debug().Msg("Guard already force-released when critical section ended")
		}
	}()

	return runProtected(context.WithValue(ctx, holdKey{g}, tok), fn)
}

func (g *Guard) owns(tok Token) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held && g.current == tok
}

func runProtected(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in critical section: %v", r)
		}
	}()
	return fn(ctx)
}
