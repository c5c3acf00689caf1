package verify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"promofleet/internal/domain/promotion/ports"
	"promofleet/internal/domain/promotion/verify"
)

type fakeClient struct {
	messages []ports.RemoteMessage
	err      error
}

func (c *fakeClient) Connect(ctx context.Context) error    { return nil }
func (c *fakeClient) Disconnect(ctx context.Context) error { return nil }
func (c *fakeClient) IsConnected() bool                    { return true }
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
	if c.err != nil {
		return nil, c.err
	}
	return c.messages, nil
}
func (c *fakeClient) SendMessage(ctx context.Context, target ports.SendTarget, message string) (ports.SendResult, error) {
	return ports.SendResult{}, nil
}

type fakeClients struct {
	mu sync.Mutex
	m  map[ports.Mobile]*fakeClient
}

func newFakeClients() *fakeClients { return &fakeClients{m: map[ports.Mobile]*fakeClient{}} }
func (c *fakeClients) Get(m ports.Mobile) ports.RemoteClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	fc, ok := c.m[m]
	if !ok {
		return nil
	}
	return fc
}

type channelUpdate struct {
	id    ports.ChannelID
	patch ports.ChannelPatch
}

type fakeChannels struct {
	mu        sync.Mutex
	metas     map[ports.ChannelID]*ports.ChannelMeta
	updates   []channelUpdate
	removed   []string // "channel:variant"
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{metas: map[ports.ChannelID]*ports.ChannelMeta{}}
}
func (c *fakeChannels) FindOne(ctx context.Context, id ports.ChannelID) (*ports.ChannelMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.metas[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *m
	return &cp, nil
}
func (c *fakeChannels) Upsert(ctx context.Context, meta ports.ChannelMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := meta
	c.metas[meta.ChannelID] = &cp
	return nil
}
func (c *fakeChannels) Update(ctx context.Context, id ports.ChannelID, patch ports.ChannelPatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, channelUpdate{id, patch})
	if m, ok := c.metas[id]; ok {
		if patch.Banned != nil {
			m.Banned = *patch.Banned
		}
		if patch.LastMessageTime != nil {
			m.LastMessageTime = *patch.LastMessageTime
		}
		if patch.CanSendMsgs != nil {
			m.CanSendMsgs = *patch.CanSendMsgs
		}
	}
	return nil
}
func (c *fakeChannels) RemoveFromAvailableMsgs(ctx context.Context, id ports.ChannelID, variant string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, string(id)+":"+variant)
	if m, ok := c.metas[id]; ok {
		out := m.AvailableMsgs[:0]
		for _, v := range m.AvailableMsgs {
			if v != variant {
				out = append(out, v)
			}
		}
		m.AvailableMsgs = out
	}
	return nil
}
func (c *fakeChannels) ActiveChannels(ctx context.Context, limit, skip int, exclude []ports.ChannelID) ([]ports.ChannelMeta, error) {
	return nil, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []ports.NotifyEvent
}

func (n *fakeNotifier) Notify(ctx context.Context, event ports.NotifyEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func TestPushOverflowDropsOldest10Percent(t *testing.T) {
	t.Parallel()

	q := verify.New(verify.Config{MaxQueueSize: 10}, newFakeClients(), nil, nil, nil)
	mob := ports.Mobile("m1")
	for i := 0; i < 11; i++ {
		q.Push(mob, verify.Item{ChannelID: "c", MessageID: int64(i), Timestamp: int64(i)})
	}
	if got := q.Len(mob); got != 10 {
		t.Fatalf("expected len 10 after one-over overflow (drop 1), got %d", got)
	}
}

func TestDrainSurvivalRefreshesLastMessageTime(t *testing.T) {
	t.Parallel()

	now := time.Unix(2_000_000_000, 0)
	clients := newFakeClients()
	clients.m["m1"] = &fakeClient{messages: []ports.RemoteMessage{{ID: 42}}}
	channels := newFakeChannels()
	channels.metas["c1"] = &ports.ChannelMeta{ChannelID: "c1"}

	q := verify.New(verify.Config{CheckDelayMs: 10_000}, clients, channels, nil, func() time.Time { return now })
	q.Push("m1", verify.Item{ChannelID: "c1", MessageID: 42, VariantIndex: "0", Timestamp: now.Add(-11 * time.Second).UnixMilli()})

	q.Drain(context.Background(), []ports.Mobile{"m1"})

	if q.Len("m1") != 0 {
		t.Fatalf("expected entry consumed after drain")
	}
	if len(channels.updates) != 1 || channels.updates[0].patch.LastMessageTime == nil {
		t.Fatalf("expected lastMessageTime refresh update, got %+v", channels.updates)
	}
}

func TestDrainDeletionCanaryVariantBansChannel(t *testing.T) {
	t.Parallel()

	now := time.Unix(2_000_000_000, 0)
	clients := newFakeClients()
	clients.m["m1"] = &fakeClient{messages: []ports.RemoteMessage{{ID: 99}}} // different id -> deletion
	channels := newFakeChannels()
	channels.metas["c1"] = &ports.ChannelMeta{ChannelID: "c1", AvailableMsgs: nil}
	notifier := &fakeNotifier{}

	q := verify.New(verify.Config{CheckDelayMs: 10_000}, clients, channels, notifier, func() time.Time { return now })
	q.Push("m1", verify.Item{ChannelID: "c1", MessageID: 42, VariantIndex: "0", Timestamp: now.Add(-11 * time.Second).UnixMilli()})

	q.Drain(context.Background(), []ports.Mobile{"m1"})

	if !channels.metas["c1"].Banned {
		t.Fatalf("expected channel banned on canary-variant deletion with empty availableMsgs")
	}
	if len(notifier.events) != 1 || notifier.events[0].Kind != ports.NotifyChannelBanned {
		t.Fatalf("expected one channel_banned notification, got %+v", notifier.events)
	}
}

func TestDrainDeletionNonCanaryRemovesVariantOnly(t *testing.T) {
	t.Parallel()

	now := time.Unix(2_000_000_000, 0)
	clients := newFakeClients()
	clients.m["m1"] = &fakeClient{messages: []ports.RemoteMessage{{ID: 99}}}
	channels := newFakeChannels()
	channels.metas["c1"] = &ports.ChannelMeta{ChannelID: "c1", AvailableMsgs: []string{"0", "1"}}
	notifier := &fakeNotifier{}

	q := verify.New(verify.Config{CheckDelayMs: 10_000}, clients, channels, notifier, func() time.Time { return now })
	q.Push("m1", verify.Item{ChannelID: "c1", MessageID: 42, VariantIndex: "1", Timestamp: now.Add(-11 * time.Second).UnixMilli()})

	q.Drain(context.Background(), []ports.Mobile{"m1"})

	if channels.metas["c1"].Banned {
		t.Fatalf("expected channel not banned for non-canary variant deletion")
	}
	if len(channels.removed) != 1 || channels.removed[0] != "c1:1" {
		t.Fatalf("expected variant 1 removed, got %v", channels.removed)
	}
	if len(notifier.events) != 1 || notifier.events[0].Kind != ports.NotifyVariantRemoved {
		t.Fatalf("expected one variant_removed notification, got %+v", notifier.events)
	}
}

func TestDrainSkipsEntriesNotYetDue(t *testing.T) {
	t.Parallel()

	now := time.Unix(2_000_000_000, 0)
	clients := newFakeClients()
	clients.m["m1"] = &fakeClient{messages: []ports.RemoteMessage{{ID: 1}}}

	q := verify.New(verify.Config{CheckDelayMs: 10_000}, clients, nil, nil, func() time.Time { return now })
	q.Push("m1", verify.Item{ChannelID: "c1", MessageID: 1, Timestamp: now.Add(-2 * time.Second).UnixMilli()})

	q.Drain(context.Background(), []ports.Mobile{"m1"})

	if q.Len("m1") != 1 {
		t.Fatalf("expected entry retained, not yet due")
	}
}

func TestDrainTransportErrorStillConsumesEntry(t *testing.T) {
	t.Parallel()

	now := time.Unix(2_000_000_000, 0)
	clients := newFakeClients()
	clients.m["m1"] = &fakeClient{err: errors.New("transport down")}

	q := verify.New(verify.Config{CheckDelayMs: 10_000}, clients, nil, nil, func() time.Time { return now })
	q.Push("m1", verify.Item{ChannelID: "c1", MessageID: 1, Timestamp: now.Add(-11 * time.Second).UnixMilli()})

	q.Drain(context.Background(), []ports.Mobile{"m1"})

	if q.Len("m1") != 0 {
		t.Fatalf("expected entry consumed even on transport error (errors logged, not retried)")
	}
}
