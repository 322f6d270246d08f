// Package render rate-limits expensive preview rendering against a
// continuously growing diagram definition, and owns the renderer that
// converts validated definitions into published preview scenes.
package render

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RenderFn converts and paints one definition snapshot.
type RenderFn func(ctx context.Context, definition string) error

// ValidateFn is the cheap plausibility check run before any render attempt.
type ValidateFn func(definition string) bool

// Config tunes the throttle. Zero values fall back to the defaults below.
type Config struct {
	// FastDelay is the minimum gap between renders while they stay cheap.
	FastDelay time.Duration
	// SlowDelay replaces FastDelay once a render exceeds SlowThreshold.
	SlowDelay time.Duration
	// SlowThreshold is the render latency that flips the throttle into slow
	// mode for the rest of the generation.
	SlowThreshold time.Duration
	// RetryDelay is the short grace period after an invalid snapshot or a
	// failed render before the next attempt.
	RetryDelay time.Duration
}

const (
	defaultFastDelay     = 350 * time.Millisecond
	defaultSlowDelay     = 3 * time.Second
	defaultSlowThreshold = 100 * time.Millisecond
	defaultRetryDelay    = 75 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.FastDelay <= 0 {
		c.FastDelay = defaultFastDelay
	}
	if c.SlowDelay <= 0 {
		c.SlowDelay = defaultSlowDelay
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = defaultSlowThreshold
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return c
}

// Throttle coalesces render offers into at most one in-flight render plus a
// single pending snapshot; newer offers overwrite the pending slot. The
// preview surface is exclusively owned by the in-flight render, so the
// one-render-at-a-time rule is a correctness requirement, not a
// performance tweak.
type Throttle struct {
	cfg      Config
	render   RenderFn
	validate ValidateFn
	logger   *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  *string
	inflight bool
	nextAt   time.Time
	slow     bool
	timer    *time.Timer
	gen      int
}

// NewThrottle builds a throttle around the given render and validate
// functions.
func NewThrottle(cfg Config, render RenderFn, validate ValidateFn, logger *zap.Logger) *Throttle {
	t := &Throttle{
		cfg:      cfg.withDefaults(),
		render:   render,
		validate: validate,
		logger:   logger,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Offer hands the throttle the newest full-text snapshot. Called once per
// stream fragment; most offers only overwrite the pending slot.
func (t *Throttle) Offer(snapshot string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = &snapshot
	t.kick()
}

// Flush forces the latest pending snapshot through immediately and waits for
// any render to finish. Used at stream end so the preview always reflects
// the final text.
func (t *Throttle) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopTimer()
	for t.inflight {
		t.cond.Wait()
	}
	if t.pending != nil {
		snapshot := *t.pending
		t.pending = nil
		if t.validate(snapshot) {
			t.startRender(snapshot)
		}
	}
	for t.inflight {
		t.cond.Wait()
	}
}

// Reset discards pending state and timing history before a new generation.
// A render already in flight is left to finish; its outcome no longer
// influences throttling.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopTimer()
	t.pending = nil
	t.nextAt = time.Time{}
	t.slow = false
	t.gen++
}

// kick advances the state machine. Caller holds the lock.
func (t *Throttle) kick() {
	if t.inflight || t.pending == nil {
		return
	}

	now := time.Now()
	if now.Before(t.nextAt) {
		t.scheduleAt(t.nextAt)
		return
	}

	snapshot := *t.pending
	t.pending = nil

	if !t.validate(snapshot) {
		// Incomplete text never reaches the expensive renderer; back off
		// briefly so a burst of invalid intermediate states doesn't spin.
		t.nextAt = now.Add(t.cfg.RetryDelay)
		return
	}

	t.startRender(snapshot)
}

// startRender launches the render goroutine. Caller holds the lock.
func (t *Throttle) startRender(snapshot string) {
	t.inflight = true
	gen := t.gen

	go func() {
		start := time.Now()
		err := t.render(context.Background(), snapshot)
		latency := time.Since(start)

		t.mu.Lock()
		t.inflight = false
		if gen == t.gen {
			if latency > t.cfg.SlowThreshold {
				t.slow = true
			}
			if err != nil {
				// A rejected render behaves like incomplete syntax: pull the
				// next opportunity closer instead of pushing it away.
				t.nextAt = time.Now().Add(t.cfg.RetryDelay)
			} else {
				t.nextAt = time.Now().Add(t.delay())
			}
		}
		t.cond.Broadcast()
		t.kick()
		t.mu.Unlock()
	}()
}

func (t *Throttle) delay() time.Duration {
	if t.slow {
		return t.cfg.SlowDelay
	}
	return t.cfg.FastDelay
}

// scheduleAt arranges a kick once the inter-render delay has passed. Caller
// holds the lock.
func (t *Throttle) scheduleAt(at time.Time) {
	if t.timer != nil {
		return
	}
	gen := t.gen
	t.timer = time.AfterFunc(time.Until(at), func() {
		t.mu.Lock()
		t.timer = nil
		if gen == t.gen {
			t.kick()
		}
		t.mu.Unlock()
	})
}

func (t *Throttle) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
