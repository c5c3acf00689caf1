// Package rotation maintains the available-mobile pool and the bounded
// active subset. On jittered intervals it resamples the active set and
// issues the connect/disconnect deltas to the client registry, release
// before acquire.
package rotation

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"promofleet/internal/domain/promotion/ports"
	"promofleet/internal/infra/clock"
	"promofleet/internal/infra/logger"
)

// ConnRegistry is the subset of ClientRegistry the rotation engine drives.
// Acquire returns only an error: the rotation engine issues the delta but
// has no use for the resulting connection handle itself.
type ConnRegistry interface {
	Acquire(ctx context.Context, m ports.Mobile) error
	Release(m ports.Mobile)
	HealthMap() map[ports.Mobile]bool
}

// Config bounds rotation behavior.
type Config struct {
	ActiveSlots               int
	BaseInterval              time.Duration
	MinInterval               time.Duration
	MaxInterval               time.Duration
	JitterPercentage          float64
	MinActiveChangePercentage float64 // advisory only, never enforced
	MaxHistory                int
}

// HistoryEntry is one retained rotation event.
type HistoryEntry struct {
	Timestamp time.Time
	Selected  []ports.Mobile
}

// Status is the observable snapshot returned by Status().
type Status struct {
	Active    []ports.Mobile
	Available []ports.Mobile
	NextTick  time.Time
}

// Engine is RotationEngine.
type Engine struct {
	cfg      Config
	registry ConnRegistry
	now      clock.Source
	rng      *rand.Rand

	mu        sync.Mutex
	pool      []ports.Mobile // the full candidate pool, set by Initialize
	available []ports.Mobile
	active    []ports.Mobile
	history   []HistoryEntry
	nextTick  time.Time

	cancel context.CancelFunc
}

// New builds an Engine. rng may be nil to use the package-global source.
func New(cfg Config, registry ConnRegistry, now clock.Source, rng *rand.Rand) *Engine {
	if cfg.ActiveSlots <= 0 {
		cfg.ActiveSlots = 4
	}
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = 4 * time.Hour
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 3 * time.Hour
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 6 * time.Hour
	}
	if cfg.JitterPercentage <= 0 {
		cfg.JitterPercentage = 0.30
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 50
	}
	if now == nil {
		now = clock.System()
	}
	return &Engine{cfg: cfg, registry: registry, now: now, rng: rng}
}

// Initialize seeds the candidate pool, picks the initial active subset
// (without going through ClientRegistry.Acquire — callers are expected to
// acquire lazily on the first promotion tick), and schedules the first
// rotation.
func (e *Engine) Initialize(pool []ports.Mobile) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pool = append([]ports.Mobile(nil), pool...)
	e.available = append([]ports.Mobile(nil), pool...)
	e.active = e.selectActiveLocked(e.available)
	e.nextTick = e.now().Add(e.jitteredInterval())
	e.recordHistoryLocked(e.active)
}

// Run blocks, firing Rotate on the jittered schedule until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	for {
		wait := time.Until(e.nextTickAt())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			e.Rotate(ctx)
		}
	}
}

// Shutdown cancels the rotation timer loop started by Run.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) nextTickAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextTick
}

// Rotate picks a new active subset, computes the add/remove delta, and
// issues Release for each removed mobile before Acquire for each added
// one.
func (e *Engine) Rotate(ctx context.Context) {
	e.mu.Lock()
	oldActive := append([]ports.Mobile(nil), e.active...)
	newActive := e.selectActiveLocked(e.available)
	toRemove, toAdd := diff(oldActive, newActive)
	e.active = newActive
	e.recordHistoryLocked(newActive)
	e.nextTick = e.now().Add(e.jitteredInterval())
	e.mu.Unlock()

	for _, m := range toRemove {
		e.registry.Release(m)
	}
	for _, m := range toAdd {
		if err := e.registry.Acquire(ctx, m); err != nil {
			logger.Warnf("rotation: acquire %s failed: %v", m, err)
		}
	}
}

// RefreshAvailable recomputes the available pool from the candidate pool and
// ClientRegistry.HealthMap(), then drops any active mobile that left the
// available set. Only mobiles the map reports as unhealthy are excluded;
// candidates with no entry in the map stay available.
func (e *Engine) RefreshAvailable(ctx context.Context) {
	health := e.registry.HealthMap()

	e.mu.Lock()
	defer e.mu.Unlock()

	available := make([]ports.Mobile, 0, len(e.pool))
	availSet := make(map[ports.Mobile]bool, len(e.pool))
	for _, m := range e.pool {
		if healthy, known := health[m]; !known || healthy {
			// Mobiles never yet connected (not in healthMap) are still
			// considered available candidates; only a known-unhealthy
			// entry is dropped.
			available = append(available, m)
			availSet[m] = true
		}
	}
	e.available = available

	filtered := e.active[:0:0]
	for _, m := range e.active {
		if availSet[m] {
			filtered = append(filtered, m)
		}
	}
	e.active = filtered
}

// selectActiveLocked draws min(ActiveSlots, len(available)) mobiles uniformly
// via Fisher-Yates shuffle. Caller must hold e.mu.
func (e *Engine) selectActiveLocked(available []ports.Mobile) []ports.Mobile {
	shuffled := append([]ports.Mobile(nil), available...)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := e.intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	n := e.cfg.ActiveSlots
	if n > len(shuffled) {
		n = len(shuffled)
	}
	active := shuffled[:n]
	sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })
	return active
}

func (e *Engine) intn(n int) int {
	if n <= 0 {
		return 0
	}
	if e.rng != nil {
		return e.rng.IntN(n)
	}
	return rand.IntN(n)
}

// jitteredInterval computes base*(1±jitter), clamped to [min, max].
func (e *Engine) jitteredInterval() time.Duration {
	base := float64(e.cfg.BaseInterval)
	jitter := (e.floatN()*2 - 1) * e.cfg.JitterPercentage
	d := time.Duration(base * (1 + jitter))
	if d < e.cfg.MinInterval {
		d = e.cfg.MinInterval
	}
	if d > e.cfg.MaxInterval {
		d = e.cfg.MaxInterval
	}
	return d
}

func (e *Engine) floatN() float64 {
	if e.rng != nil {
		return e.rng.Float64()
	}
	return rand.Float64()
}

func (e *Engine) recordHistoryLocked(selected []ports.Mobile) {
	e.history = append(e.history, HistoryEntry{Timestamp: e.now(), Selected: append([]ports.Mobile(nil), selected...)})
	if len(e.history) > e.cfg.MaxHistory {
		e.history = e.history[len(e.history)-e.cfg.MaxHistory:]
	}
}

// CurrentActive returns the current active set.
func (e *Engine) CurrentActive() []ports.Mobile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ports.Mobile(nil), e.active...)
}

// Available returns the current available pool.
func (e *Engine) Available() []ports.Mobile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ports.Mobile(nil), e.available...)
}

// Status returns an observable snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Active:    append([]ports.Mobile(nil), e.active...),
		Available: append([]ports.Mobile(nil), e.available...),
		NextTick:  e.nextTick,
	}
}

// Patterns returns the retained rotation history for diagnostics.
func (e *Engine) Patterns() []HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]HistoryEntry(nil), e.history...)
}

// diff computes toRemove = old\new and toAdd = new\old.
func diff(oldSet, newSet []ports.Mobile) (toRemove, toAdd []ports.Mobile) {
	oldM := make(map[ports.Mobile]bool, len(oldSet))
	for _, m := range oldSet {
		oldM[m] = true
	}
	newM := make(map[ports.Mobile]bool, len(newSet))
	for _, m := range newSet {
		newM[m] = true
	}
	for _, m := range oldSet {
		if !newM[m] {
			toRemove = append(toRemove, m)
		}
	}
	for _, m := range newSet {
		if !oldM[m] {
			toAdd = append(toAdd, m)
		}
	}
	return toRemove, toAdd
}
