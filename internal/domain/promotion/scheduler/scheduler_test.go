package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"promofleet/internal/domain/promotion/ports"
	"promofleet/internal/domain/promotion/registry"
	"promofleet/internal/domain/promotion/scheduler"
	"promofleet/internal/domain/promotion/session"
	"promofleet/internal/domain/promotion/verify"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// fakeClient scripts SendMessage outcomes and records calls.
type fakeClient struct {
	mu        sync.Mutex
	sendErr   error
	sendID    int64
	sent      []string // messages
	targets   []ports.SendTarget
	dialogs   []ports.DialogEntity
	selfCalls int
}

func (c *fakeClient) Connect(ctx context.Context) error    { return nil }
func (c *fakeClient) Disconnect(ctx context.Context) error { return nil }
func (c *fakeClient) IsConnected() bool                    { return true }
func (c *fakeClient) GetSelf(ctx context.Context) (ports.SelfInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selfCalls++
	return ports.SelfInfo{Username: "self"}, nil
}
func (c *fakeClient) GetDialogs(ctx context.Context, limit int) ([]ports.DialogEntity, error) {
	return c.dialogs, nil
}
func (c *fakeClient) GetEntity(ctx context.Context, id ports.ChannelID) (ports.DialogEntity, error) {
	return ports.DialogEntity{ID: id, ParticipantsCount: 1000}, nil
}
func (c *fakeClient) GetMessages(ctx context.Context, channel ports.ChannelID, minID int64) ([]ports.RemoteMessage, error) {
	return nil, nil
}
func (c *fakeClient) SendMessage(ctx context.Context, target ports.SendTarget, message string) (ports.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append(c.targets, target)
	if c.sendErr != nil {
		return ports.SendResult{}, c.sendErr
	}
	c.sent = append(c.sent, message)
	return ports.SendResult{ID: c.sendID}, nil
}

// fakeRegistry hands out one scripted client per mobile.
type fakeRegistry struct {
	client *fakeClient
	conn   *registry.Connection
}

func (r *fakeRegistry) AcquireClient(ctx context.Context, m ports.Mobile) (ports.RemoteClient, error) {
	return r.client, nil
}
func (r *fakeRegistry) Snapshot(m ports.Mobile) (*registry.Connection, bool) {
	return r.conn, r.conn != nil
}
func (r *fakeRegistry) MarkHealthCheck(m ports.Mobile, deepProbe bool) {}

// fakeVerifier records pushes.
type fakeVerifier struct {
	mu     sync.Mutex
	pushed []verify.Item
	drains int
}

func (v *fakeVerifier) Push(m ports.Mobile, item verify.Item) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pushed = append(v.pushed, item)
}
func (v *fakeVerifier) Drain(ctx context.Context, mobiles []ports.Mobile) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.drains++
}

// fakeChannels is a minimal in-memory ChannelStore.
type fakeChannels struct {
	mu    sync.Mutex
	metas map[ports.ChannelID]*ports.ChannelMeta
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{metas: map[ports.ChannelID]*ports.ChannelMeta{}}
}
func (c *fakeChannels) FindOne(ctx context.Context, id ports.ChannelID) (*ports.ChannelMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.metas[id]
	if !ok {
		return nil, nil
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
	return nil
}
func (c *fakeChannels) RemoveFromAvailableMsgs(ctx context.Context, id ports.ChannelID, variant string) error {
	return nil
}
func (c *fakeChannels) ActiveChannels(ctx context.Context, limit, skip int, exclude []ports.ChannelID) ([]ports.ChannelMeta, error) {
	return nil, nil
}

// newTestRig assembles a scheduler over one healthy mobile with channel c1.
func newTestRig(t *testing.T, now time.Time, client *fakeClient) (*scheduler.Scheduler, *session.Manager, *fakeVerifier, *fakeChannels) {
	t.Helper()

	sessions := session.New(0, fixedClock(now), nil)
	mob := ports.Mobile("m1")
	sessions.Ensure(mob, map[string]string{"0": "hi"}, 3)
	sessions.UpdateLastMessageTime(mob, now.Add(-10*time.Minute).UnixMilli())
	sessions.SetChannels(mob, []ports.ChannelID{"c1"})

	channels := newFakeChannels()
	channels.metas["c1"] = &ports.ChannelMeta{
		ChannelID:       "c1",
		Username:        "grouponeone",
		CanSendMsgs:     true,
		AvailableMsgs:   []string{"0"},
		WordRestriction: 1, // raw template, no greeting composite
	}

	queue := &fakeVerifier{}
	reg := &fakeRegistry{
		client: client,
		conn:   &registry.Connection{Mobile: mob, LastDeepProbe: now},
	}

	sched := scheduler.New(scheduler.Config{}, reg, sessions, queue, channels, nil, fixedClock(now), nil, nil)
	return sched, sessions, queue, channels
}

func TestTickHappySend(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	client := &fakeClient{sendID: 555}
	sched, sessions, queue, _ := newTestRig(t, now, client)

	sched.Tick(context.Background())

	client.mu.Lock()
	if len(client.sent) != 1 || client.sent[0] != "hi" {
		t.Fatalf("expected one send of %q, got %v", "hi", client.sent)
	}
	client.mu.Unlock()

	rec, _ := sessions.Snapshot("m1")
	if rec.SuccessCount != 1 || rec.MessageCount != 1 || rec.FailedCount != 0 {
		t.Fatalf("unexpected counters: %+v", rec)
	}
	if o := rec.PromotionResults["c1"]; !o.Success || o.Count != 1 {
		t.Fatalf("unexpected outcome: %+v", o)
	}
	if rec.LastMessageTime != now.UnixMilli() {
		t.Fatalf("lastMessageTime not refreshed: %d", rec.LastMessageTime)
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if queue.drains != 1 {
		t.Fatalf("expected one drain per tick, got %d", queue.drains)
	}
	if len(queue.pushed) != 1 || queue.pushed[0].MessageID != 555 || queue.pushed[0].VariantIndex != "0" {
		t.Fatalf("unexpected verification push: %+v", queue.pushed)
	}
}

func TestTickFloodWaitSetsSleep(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	client := &fakeClient{sendErr: &ports.FloodWaitError{Seconds: 60}}
	sched, sessions, queue, _ := newTestRig(t, now, client)

	sched.Tick(context.Background())

	rec, _ := sessions.Snapshot("m1")
	wantSleep := now.UnixMilli() + 60_000
	if rec.SleepTime != wantSleep {
		t.Fatalf("sleepTime = %d, want %d", rec.SleepTime, wantSleep)
	}
	if rec.FailedCount != 1 || rec.SuccessCount != 0 {
		t.Fatalf("unexpected counters: %+v", rec)
	}
	if sessions.IsHealthy("m1") {
		t.Fatalf("mobile must be unhealthy while sleeping")
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.pushed) != 0 {
		t.Fatalf("failed sends must not enqueue verification, got %v", queue.pushed)
	}
}

func TestTickTerminalErrorRecordsOutcome(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	client := &fakeClient{sendErr: &ports.UserBannedError{}}
	sched, sessions, _, _ := newTestRig(t, now, client)

	sched.Tick(context.Background())

	rec, _ := sessions.Snapshot("m1")
	o := rec.PromotionResults["c1"]
	if o.Success || o.ErrorMessage != "USER_BANNED_IN_CHANNEL" {
		t.Fatalf("unexpected outcome: %+v", o)
	}
	if got := sessions.BannedChannels("m1"); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("c1 must now be banned for m1, got %v", got)
	}
}

func TestTickSkipsBannedChannelAndAdvances(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	client := &fakeClient{sendID: 1}
	sched, sessions, _, channels := newTestRig(t, now, client)

	// Two channels; c1 has a USER_BANNED_IN_CHANNEL outcome for m1 recorded now.
	sessions.SetChannels("m1", []ports.ChannelID{"c1", "c2"})
	sessions.RecordOutcome("m1", "c1", false, "USER_BANNED_IN_CHANNEL")
	channels.metas["c2"] = &ports.ChannelMeta{
		ChannelID: "c2", CanSendMsgs: true, AvailableMsgs: []string{"0"}, WordRestriction: 1,
	}

	// First tick: picks c1, detects the ban, advances without sending.
	sched.Tick(context.Background())
	client.mu.Lock()
	if len(client.sent) != 0 {
		t.Fatalf("banned channel must be skipped, got sends %v", client.sent)
	}
	client.mu.Unlock()

	// The cooldown gate would block the next tick; the skip path must not
	// have touched lastMessageTime.
	rec, _ := sessions.Snapshot("m1")
	if rec.LastMessageTime != now.Add(-10*time.Minute).UnixMilli() {
		t.Fatalf("skip path must not refresh lastMessageTime")
	}

	// Second tick: cursor now points at c2 and the send goes out.
	sched.Tick(context.Background())
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.sent) != 1 {
		t.Fatalf("expected exactly one send to c2, got %v", client.sent)
	}
}

func TestTickRefillsChannelsFromDialogs(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	client := &fakeClient{
		sendID: 9,
		dialogs: []ports.DialogEntity{
			{ID: "d1", ParticipantsCount: 900, Megagroup: true},
			{ID: "d2", ParticipantsCount: 2000, Megagroup: true},
			{ID: "d3", ParticipantsCount: 100, Megagroup: true}, // below threshold
			{ID: "d4", ParticipantsCount: 1500, Broadcast: true},
		},
	}
	sched, sessions, _, _ := newTestRig(t, now, client)
	sessions.SetChannels("m1", nil)

	sched.Tick(context.Background())

	chans, _ := sessions.Channels("m1")
	if len(chans) != 2 {
		t.Fatalf("expected d1+d2 to survive filtering, got %v", chans)
	}
	seen := map[ports.ChannelID]bool{}
	for _, c := range chans {
		seen[c] = true
	}
	if !seen["d1"] || !seen["d2"] {
		t.Fatalf("unexpected channel set %v", chans)
	}
}
