package registry_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"promofleet/internal/domain/promotion/ports"
	"promofleet/internal/domain/promotion/registry"
)

type fakeClient struct {
	connected atomic.Bool
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.connected.Store(true)
	return nil
}
func (c *fakeClient) Disconnect(ctx context.Context) error {
	c.connected.Store(false)
	return nil
}
func (c *fakeClient) IsConnected() bool { return c.connected.Load() }
func (c *fakeClient) GetSelf(ctx context.Context) (ports.SelfInfo, error) {
	return ports.SelfInfo{}, nil
}
func (c *fakeClient) GetDialogs(ctx context.Context, limit int) ([]ports.DialogEntity, error) {
	return nil, nil
}
func (c *fakeClient) GetEntity(ctx context.Context, id ports.ChannelID) (ports.DialogEntity, error) {
	return ports.DialogEntity{}, nil
}
func (c *fakeClient) GetMessages(ctx context.Context, channel ports.ChannelID, minID int64) ([]ports.RemoteMessage, error) {
	return nil, nil
}
func (c *fakeClient) SendMessage(ctx context.Context, target ports.SendTarget, message string) (ports.SendResult, error) {
	return ports.SendResult{}, nil
}

type fakeAccounts struct {
	mu      sync.Mutex
	expired []ports.Mobile
}

func (a *fakeAccounts) GetActiveClients(ctx context.Context) ([]ports.AccountRecord, error) {
	return nil, nil
}
func (a *fakeAccounts) MarkExpired(ctx context.Context, mobiles []ports.Mobile) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expired = append(a.expired, mobiles...)
	return nil
}

func TestAcquireConcurrentSingleFlight(t *testing.T) {
	t.Parallel()

	var createCalls int32
	factory := func(ctx context.Context, m ports.Mobile) (ports.RemoteClient, error) {
		atomic.AddInt32(&createCalls, 1)
		time.Sleep(5 * time.Millisecond)
		return &fakeClient{}, nil
	}

	r := registry.New(registry.Config{}, factory, &fakeAccounts{}, nil)

	const n = 20
	results := make([]*registry.Connection, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.Acquire(context.Background(), "m1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			results[i] = c
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&createCalls); got != 1 {
		t.Fatalf("expected exactly one factory call, got %d", got)
	}
	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("expected all callers to get the same connection")
		}
	}
}

func TestReleaseTwiceIsNoop(t *testing.T) {
	t.Parallel()

	factory := func(ctx context.Context, m ports.Mobile) (ports.RemoteClient, error) {
		return &fakeClient{}, nil
	}
	r := registry.New(registry.Config{}, factory, &fakeAccounts{}, nil)

	if _, err := r.Acquire(context.Background(), "m1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	r.Release("m1")
	r.Release("m1") // must not panic or error

	if c := r.Get("m1"); c != nil {
		t.Fatalf("expected no client after release, got %v", c)
	}
}

func TestAcquireLimitReached(t *testing.T) {
	t.Parallel()

	factory := func(ctx context.Context, m ports.Mobile) (ports.RemoteClient, error) {
		return &fakeClient{}, nil
	}
	r := registry.New(registry.Config{MaxConcurrentConnections: 1}, factory, &fakeAccounts{}, nil)

	if _, err := r.Acquire(context.Background(), "m1"); err != nil {
		t.Fatalf("acquire m1: %v", err)
	}
	_, err := r.Acquire(context.Background(), "m2")
	if err == nil {
		t.Fatalf("expected limit reached error")
	}
	if _, ok := err.(*ports.LimitReachedError); !ok {
		t.Fatalf("expected *ports.LimitReachedError, got %T", err)
	}
}

func TestAcquirePermanentFailureMarksAccountExpired(t *testing.T) {
	t.Parallel()

	factory := func(ctx context.Context, m ports.Mobile) (ports.RemoteClient, error) {
		return nil, &ports.TerminalAccountError{Code: "auth_key_unregistered"}
	}
	accts := &fakeAccounts{}
	r := registry.New(registry.Config{}, factory, accts, nil)

	if _, err := r.Acquire(context.Background(), "m1"); err == nil {
		t.Fatalf("expected error")
	}

	accts.mu.Lock()
	defer accts.mu.Unlock()
	if len(accts.expired) != 1 || accts.expired[0] != "m1" {
		t.Fatalf("expected m1 marked expired, got %v", accts.expired)
	}
}

func TestHealthMapReflectsConnectedState(t *testing.T) {
	t.Parallel()

	factory := func(ctx context.Context, m ports.Mobile) (ports.RemoteClient, error) {
		return &fakeClient{}, nil
	}
	r := registry.New(registry.Config{}, factory, &fakeAccounts{}, nil)

	if _, err := r.Acquire(context.Background(), "m1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	hm := r.HealthMap()
	if !hm["m1"] {
		t.Fatalf("expected m1 healthy, got %v", hm)
	}
}
