package health_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"promofleet/internal/domain/promotion/health"
	"promofleet/internal/domain/promotion/ports"
)

type fakeClient struct {
	connected  bool
	connectErr error
	selfErr    error
	selfCalls  int
}

func (c *fakeClient) Connect(ctx context.Context) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}
func (c *fakeClient) Disconnect(ctx context.Context) error { c.connected = false; return nil }
func (c *fakeClient) IsConnected() bool                    { return c.connected }
func (c *fakeClient) GetSelf(ctx context.Context) (ports.SelfInfo, error) {
	c.selfCalls++
	if c.selfErr != nil {
		return ports.SelfInfo{}, c.selfErr
	}
	return ports.SelfInfo{Username: "u"}, nil
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

type fakeRegistry struct {
	clients map[ports.Mobile]*fakeClient
	removed []ports.Mobile
	marked  map[ports.Mobile]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{clients: map[ports.Mobile]*fakeClient{}, marked: map[ports.Mobile]bool{}}
}
func (r *fakeRegistry) Mobiles() []ports.Mobile {
	out := make([]ports.Mobile, 0, len(r.clients))
	for m := range r.clients {
		out = append(out, m)
	}
	return out
}
func (r *fakeRegistry) Get(m ports.Mobile) ports.RemoteClient {
	c, ok := r.clients[m]
	if !ok {
		return nil
	}
	return c
}
func (r *fakeRegistry) Remove(m ports.Mobile)  { r.removed = append(r.removed, m); delete(r.clients, m) }
func (r *fakeRegistry) Release(m ports.Mobile) { delete(r.clients, m) }
func (r *fakeRegistry) MarkHealthCheck(m ports.Mobile, deepProbe bool) {
	r.marked[m] = true
}

type fakeRefresher struct{ calls int }

func (f *fakeRefresher) RefreshAvailable(ctx context.Context) { f.calls++ }

func TestSweepEmptyRegistryStillRefreshes(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	refresher := &fakeRefresher{}
	c := health.New(health.Config{}, reg, refresher, nil)

	result := c.Sweep(context.Background(), false)
	if len(result) != 0 {
		t.Fatalf("expected empty result, got %v", result)
	}
	if refresher.calls != 1 {
		t.Fatalf("expected RefreshAvailable called once, got %d", refresher.calls)
	}
}

func TestSweepReconnectsDisconnectedClient(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	reg.clients["m1"] = &fakeClient{connected: false}
	c := health.New(health.Config{}, reg, nil, nil)

	result := c.Sweep(context.Background(), false)
	if !result["m1"] {
		t.Fatalf("expected m1 healthy after reconnect, got %v", result)
	}
	if !reg.clients["m1"].connected {
		t.Fatalf("expected client reconnected")
	}
}

func TestSweepReconnectFailureMarksUnhealthy(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	reg.clients["m1"] = &fakeClient{connected: false, connectErr: errors.New("boom")}
	c := health.New(health.Config{}, reg, nil, nil)

	result := c.Sweep(context.Background(), false)
	if result["m1"] {
		t.Fatalf("expected m1 unhealthy, got %v", result)
	}
}

func TestSweepForcedDeepProbe(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	fc := &fakeClient{connected: true}
	reg.clients["m1"] = fc
	c := health.New(health.Config{}, reg, nil, nil)

	c.Sweep(context.Background(), true)
	if fc.selfCalls != 1 {
		t.Fatalf("expected one forced GetSelf call, got %d", fc.selfCalls)
	}
}

func TestSweepSkipsDeepProbeWhenRecent(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	fc := &fakeClient{connected: true}
	reg.clients["m1"] = fc
	now := time.Now()
	c := health.New(health.Config{DeepProbeInterval: time.Hour}, reg, nil, func() time.Time { return now })

	c.Sweep(context.Background(), true) // force once
	if fc.selfCalls != 1 {
		t.Fatalf("expected one call after forced sweep, got %d", fc.selfCalls)
	}
	c.Sweep(context.Background(), false) // should skip, too recent
	if fc.selfCalls != 1 {
		t.Fatalf("expected still one call, probe interval not elapsed, got %d", fc.selfCalls)
	}
}
