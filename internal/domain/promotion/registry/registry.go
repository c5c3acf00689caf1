// Package registry owns the live RemoteClient handles, keyed by mobile.
// It creates them through an injected factory, caps their total count,
// single-flights concurrent creation, and exposes a thread-safe lookup for
// the rest of the promotion engine.
package registry

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"promofleet/internal/domain/promotion/ports"
	"promofleet/internal/infra/clock"
	"promofleet/internal/infra/logger"
)

// Connection is the registry's public view of one live client.
type Connection struct {
	Mobile          ports.Mobile
	Client          ports.RemoteClient
	CreatedAt       time.Time
	LastHealthCheck time.Time
	LastDeepProbe   time.Time
	IsActive        bool
}

// Config bounds the registry's behavior. CreatesPerSecond throttles new
// connection attempts across all mobiles so a pool-wide reconnect storm
// cannot hammer the DC.
type Config struct {
	MaxConcurrentConnections int
	ConnectTimeout           time.Duration
	DisconnectTimeout        time.Duration
	CreatesPerSecond         int
}

// Registry is ClientRegistry.
type Registry struct {
	cfg     Config
	factory ports.Factory
	accts   ports.AccountStore
	now     clock.Source

	mu    sync.Mutex
	conns map[ports.Mobile]*Connection

	sf      singleflight.Group
	creates *rate.Limiter
}

// New builds a Registry. factory constructs a not-yet-connected client for a
// mobile; accts is used to mark accounts expired on permanent transport
// failures.
func New(cfg Config, factory ports.Factory, accts ports.AccountStore, now clock.Source) *Registry {
	if cfg.MaxConcurrentConnections <= 0 {
		cfg.MaxConcurrentConnections = 100
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 5 * time.Second
	}
	if cfg.CreatesPerSecond <= 0 {
		cfg.CreatesPerSecond = 2
	}
	if now == nil {
		now = clock.System()
	}
	return &Registry{
		cfg:     cfg,
		factory: factory,
		accts:   accts,
		now:     now,
		conns:   make(map[ports.Mobile]*Connection),
		creates: rate.NewLimiter(rate.Limit(cfg.CreatesPerSecond), cfg.CreatesPerSecond),
	}
}

// Acquire returns an existing healthy connection for m, or creates one.
// Concurrent callers for the same m share one in-flight creation.
func (r *Registry) Acquire(ctx context.Context, m ports.Mobile) (*Connection, error) {
	if c, ok := r.existingHealthy(m); ok {
		return c, nil
	}

	v, err, _ := r.sf.Do(string(m), func() (any, error) {
		if c, ok := r.existingHealthy(m); ok {
			return c, nil
		}
		return r.create(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

func (r *Registry) existingHealthy(m ports.Mobile) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[m]
	if !ok || c.Client == nil || !c.Client.IsConnected() {
		return nil, false
	}
	return c, true
}

func (r *Registry) create(ctx context.Context, m ports.Mobile) (*Connection, error) {
	r.mu.Lock()
	if len(r.conns) >= r.cfg.MaxConcurrentConnections {
		r.mu.Unlock()
		return nil, &ports.LimitReachedError{Limit: r.cfg.MaxConcurrentConnections}
	}
	r.mu.Unlock()

	if err := r.creates.Wait(ctx); err != nil {
		return nil, &ports.TransientTransportError{Cause: err}
	}

	client, err := r.factory(ctx, m)
	if err != nil {
		r.classifyAndMarkExpired(ctx, m, err)
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		r.classifyAndMarkExpired(ctx, m, err)
		return nil, err
	}

	conn := &Connection{
		Mobile:    m,
		Client:    client,
		CreatedAt: r.now(),
		IsActive:  true,
	}

	r.mu.Lock()
	r.conns[m] = conn
	r.mu.Unlock()

	return conn, nil
}

// classifyAndMarkExpired marks the underlying account expired in AccountStore
// when acquire fails with a permanent/terminal classification.
func (r *Registry) classifyAndMarkExpired(ctx context.Context, m ports.Mobile, err error) {
	var terminal *ports.TerminalAccountError
	if ok := asTerminal(err, &terminal); !ok || r.accts == nil {
		return
	}
	if mErr := r.accts.MarkExpired(ctx, []ports.Mobile{m}); mErr != nil {
		logger.Warnf("registry: mark expired failed for %s: %v", m, mErr)
	}
}

func asTerminal(err error, target **ports.TerminalAccountError) bool {
	for err != nil {
		if t, ok := err.(*ports.TerminalAccountError); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// AcquireDelta is Acquire with the resulting connection discarded; it
// satisfies rotation.ConnRegistry, which only cares whether the acquire
// succeeded.
func (r *Registry) AcquireDelta(ctx context.Context, m ports.Mobile) error {
	_, err := r.Acquire(ctx, m)
	return err
}

// AcquireClient is Acquire narrowed to the RemoteClient the scheduler drives.
func (r *Registry) AcquireClient(ctx context.Context, m ports.Mobile) (ports.RemoteClient, error) {
	c, err := r.Acquire(ctx, m)
	if err != nil {
		return nil, err
	}
	return c.Client, nil
}

// Get is a non-creating lookup; returns nil if absent or disconnected.
func (r *Registry) Get(m ports.Mobile) ports.RemoteClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[m]
	if !ok || c.Client == nil || !c.Client.IsConnected() {
		return nil
	}
	return c.Client
}

// Release disconnects and evicts m. Idempotent.
func (r *Registry) Release(m ports.Mobile) {
	r.mu.Lock()
	c, ok := r.conns[m]
	if !ok {
		r.mu.Unlock()
		return
	}
	c.IsActive = false
	delete(r.conns, m)
	r.mu.Unlock()

	r.disconnectWithTimeout(c.Client)
}

func (r *Registry) disconnectWithTimeout(client ports.RemoteClient) {
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DisconnectTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := client.Disconnect(ctx); err != nil {
			logger.Debugf("registry: disconnect error: %v", err)
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Warnf("registry: disconnect timed out")
	}
}

// ReleaseAll evicts every connection in parallel, each bounded by the
// configured disconnect timeout.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	mobiles := make([]ports.Mobile, 0, len(r.conns))
	for m := range r.conns {
		mobiles = append(mobiles, m)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range mobiles {
		wg.Add(1)
		go func(m ports.Mobile) {
			defer wg.Done()
			r.Release(m)
		}(m)
	}
	wg.Wait()
}

// HealthMap reports, for every currently registered mobile, whether its
// client reports itself connected.
func (r *Registry) HealthMap() map[ports.Mobile]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[ports.Mobile]bool, len(r.conns))
	for m, c := range r.conns {
		out[m] = c.Client != nil && c.Client.IsConnected()
	}
	return out
}

// Snapshot returns the Connection record for m, if any, without touching its
// liveness (the scheduler reads LastDeepProbe from it).
func (r *Registry) Snapshot(m ports.Mobile) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[m]
	return c, ok
}

// MarkHealthCheck records lastHealthCheck (and optionally lastDeepProbe) for
// m, if it is still registered.
func (r *Registry) MarkHealthCheck(m ports.Mobile, deepProbe bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[m]
	if !ok {
		return
	}
	c.LastHealthCheck = r.now()
	if deepProbe {
		c.LastDeepProbe = r.now()
	}
}

// Remove evicts m from the registry without attempting to disconnect (used
// when HealthChecker discovers the client handle itself is gone).
func (r *Registry) Remove(m ports.Mobile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, m)
}

// RotationView adapts Registry to rotation.ConnRegistry: same registry,
// narrower Acquire signature (error only) so the rotation engine cannot see
// the resulting Connection.
type RotationView struct{ *Registry }

// Acquire satisfies rotation.ConnRegistry.
func (v RotationView) Acquire(ctx context.Context, m ports.Mobile) error {
	return v.Registry.AcquireDelta(ctx, m)
}

// Mobiles returns the set of currently registered mobiles.
func (r *Registry) Mobiles() []ports.Mobile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ports.Mobile, 0, len(r.conns))
	for m := range r.conns {
		out = append(out, m)
	}
	return out
}
