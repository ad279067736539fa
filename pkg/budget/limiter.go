package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pario-ai/gptbroker/pkg/models"
)

// ErrRateExceeded is returned when the spend window has no budget left.
var ErrRateExceeded = errors.New("rate exceeded")

// StateStore persists limiter state across restarts.
type StateStore interface {
	LoadLimiterState(ctx context.Context) (models.LimiterState, bool, error)
	SaveLimiterState(ctx context.Context, state models.LimiterState) error
}

// Limiter tracks spend against a ceiling over a rolling window. The window
// restarts lazily on the first Allow after it elapses.
type Limiter struct {
	mu          sync.Mutex
	ceiling     float64
	window      time.Duration
	remaining   float64
	windowStart time.Time
	version     uint64 // bumped on every state change
	now         func() time.Time

	// persistMu orders saves; saved is the version last written.
	persistMu sync.Mutex
	saved     uint64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the limiter's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a Limiter with a fresh window starting now.
func NewLimiter(ceiling float64, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{ceiling: ceiling, window: window, remaining: ceiling, version: 1, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	l.windowStart = l.now()
	return l
}

// Allow resets the window if it has elapsed and reports whether budget remains.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.now().Sub(l.windowStart) > l.window {
		l.windowStart = l.now()
		l.remaining = l.ceiling
		l.version++
	}
	return l.remaining > 0
}

// Debit charges tokens at pricePer1K. Remaining may go negative; the next
// Allow then refuses until the window resets.
func (l *Limiter) Debit(tokens int, pricePer1K float64) float64 {
	cost := float64(tokens) / 1000 * pricePer1K
	l.mu.Lock()
	l.remaining -= cost
	l.version++
	l.mu.Unlock()
	return cost
}

// Snapshot returns the current state.
func (l *Limiter) Snapshot() models.LimiterState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked()
}

func (l *Limiter) stateLocked() models.LimiterState {
	return models.LimiterState{
		BudgetCeiling:   l.ceiling,
		Window:          l.window,
		Remaining:       l.remaining,
		WindowStartedAt: l.windowStart,
	}
}

// Reconfigure applies a new ceiling and window without forgetting what has
// already been spent in the current window.
func (l *Limiter) Reconfigure(ceiling float64, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	spent := l.ceiling - l.remaining
	l.ceiling = ceiling
	l.window = window
	l.remaining = ceiling - spent
	l.version++
}

// Restore adopts previously persisted state. The configured ceiling and
// window win; the amount spent in the persisted window is carried over.
func (l *Limiter) Restore(s models.LimiterState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.WindowStartedAt.IsZero() {
		return
	}
	l.windowStart = s.WindowStartedAt
	l.remaining = l.ceiling - s.Spent()
	l.version++
}

// Persist snapshots the state and saves it to store. Saves are serialised
// and each takes its snapshot after the previous save finished, so a store
// never receives an older state after a newer one. A save is skipped when
// nothing changed since the last successful one. The state lock is not held
// while the store is called.
func (l *Limiter) Persist(ctx context.Context, store StateStore) error {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	l.mu.Lock()
	state, version := l.stateLocked(), l.version
	l.mu.Unlock()
	if version == l.saved {
		return nil
	}

	if err := store.SaveLimiterState(ctx, state); err != nil {
		return fmt.Errorf("persist limiter state: %w", err)
	}
	l.saved = version
	return nil
}

// Load restores state from store if any was saved.
func (l *Limiter) Load(ctx context.Context, store StateStore) error {
	state, ok, err := store.LoadLimiterState(ctx)
	if err != nil {
		return fmt.Errorf("load limiter state: %w", err)
	}
	if ok {
		l.Restore(state)
	}
	return nil
}
