// Package health sweeps every client the registry holds on a fixed
// cadence: reconnects the disconnected, deep-probes the stale via Self(),
// evicts the dead, and then asks the rotation engine to refresh its
// available pool.
package health

import (
	"context"
	"time"

	"promofleet/internal/domain/promotion/ports"
	"promofleet/internal/infra/clock"
	"promofleet/internal/infra/logger"
)

// Registry is the subset of ClientRegistry the health checker drives.
type Registry interface {
	Mobiles() []ports.Mobile
	Get(m ports.Mobile) ports.RemoteClient
	Remove(m ports.Mobile)
	Release(m ports.Mobile)
	MarkHealthCheck(m ports.Mobile, deepProbe bool)
}

// AvailabilityRefresher is the capability HealthChecker invokes after every
// sweep; RotationEngine implements it. Defined here (rather than importing
// the rotation package) to avoid a cyclic dependency.
type AvailabilityRefresher interface {
	RefreshAvailable(ctx context.Context)
}

// Config controls cadence and timeouts.
type Config struct {
	Interval          time.Duration
	ReconnectTimeout  time.Duration
	DeepProbeTimeout  time.Duration
	DeepProbeInterval time.Duration
}

// Checker is HealthChecker.
type Checker struct {
	cfg      Config
	registry Registry
	rotation AvailabilityRefresher
	now      clock.Source

	lastDeepProbe map[ports.Mobile]time.Time
}

// New builds a Checker. rotation may be nil (no availability refresh will be
// triggered, useful in unit tests of the checker alone).
func New(cfg Config, registry Registry, rotation AvailabilityRefresher, now clock.Source) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = 30 * time.Second
	}
	if cfg.DeepProbeTimeout <= 0 {
		cfg.DeepProbeTimeout = 10 * time.Second
	}
	if cfg.DeepProbeInterval <= 0 {
		cfg.DeepProbeInterval = 2 * time.Hour
	}
	if now == nil {
		now = clock.System()
	}
	return &Checker{
		cfg:           cfg,
		registry:      registry,
		rotation:      rotation,
		now:           now,
		lastDeepProbe: make(map[ports.Mobile]time.Time),
	}
}

// Run blocks, sweeping on cfg.Interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx, false)
		}
	}
}

// Sweep runs one health-check pass over every registered mobile. force
// requests a deep probe regardless of the staleness window (operator-
// triggered repair,).
func (c *Checker) Sweep(ctx context.Context, force bool) map[ports.Mobile]bool {
	result := make(map[ports.Mobile]bool)

	for _, m := range c.registry.Mobiles() {
		result[m] = c.checkOne(ctx, m, force)
	}

	if c.rotation != nil {
		c.rotation.RefreshAvailable(ctx)
	}
	return result
}

func (c *Checker) checkOne(ctx context.Context, m ports.Mobile, force bool) bool {
	client := c.registry.Get(m)
	if client == nil {
		c.registry.Remove(m)
		return false
	}

	if !client.IsConnected() {
		reconnectCtx, cancel := context.WithTimeout(ctx, c.cfg.ReconnectTimeout)
		err := client.Connect(reconnectCtx)
		cancel()
		if err != nil {
			logger.Warnf("health: reconnect failed for %s: %v", m, err)
			c.registry.MarkHealthCheck(m, false)
			return false
		}
	}

	deep := force || c.now().Sub(c.lastDeepProbe[m]) >= c.cfg.DeepProbeInterval
	if deep {
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.DeepProbeTimeout)
		_, err := client.GetSelf(probeCtx)
		cancel()
		if err != nil {
			logger.Warnf("health: deep probe failed for %s: %v", m, err)
			c.registry.MarkHealthCheck(m, true)
			return false
		}
		c.lastDeepProbe[m] = c.now()
	}

	c.registry.MarkHealthCheck(m, deep)
	return true
}
