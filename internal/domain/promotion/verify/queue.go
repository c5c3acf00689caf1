// Package verify keeps a bounded per-mobile FIFO of recently sent messages
// and, after a fixed delay, probes each one for survival. A confirmed
// deletion mutates the channel's allowed-variant set, banning the channel
// outright when the canary variant "0" was removed and no variants remain.
package verify

import (
	"context"
	"sync"

	"promofleet/internal/domain/promotion/ports"
	"promofleet/internal/infra/clock"
	"promofleet/internal/infra/logger"
)

// Item is PendingVerification.
type Item struct {
	ChannelID    ports.ChannelID
	MessageID    int64
	VariantIndex string
	Timestamp    int64 // epoch millis of the send
}

const (
	maxQueueSize  = 1000
	overflowDrop  = 0.10
	checkDelayDef = 10 // seconds, MESSAGE_CHECK_DELAY default
)

// Config bounds VerificationQueue behavior.
type Config struct {
	MaxQueueSize int
	CheckDelayMs int64
}

// Queue is VerificationQueue.
type Queue struct {
	cfg      Config
	now      clock.Source
	client   Clients
	channels ports.ChannelStore
	notifier ports.Notifier

	mu     sync.Mutex // guards queues; held only for map bookkeeping, never across a probe's I/O
	queues map[ports.Mobile][]Item
}

// Clients resolves the RemoteClient for a mobile, used to probe message
// survival. A verification run that cannot acquire a client logs and skips
// that entry.
type Clients interface {
	Get(m ports.Mobile) ports.RemoteClient
}

// New builds a Queue.
func New(cfg Config, clients Clients, channels ports.ChannelStore, notifier ports.Notifier, now clock.Source) *Queue {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = maxQueueSize
	}
	if cfg.CheckDelayMs <= 0 {
		cfg.CheckDelayMs = checkDelayDef * 1000
	}
	if now == nil {
		now = clock.System()
	}
	return &Queue{
		cfg:      cfg,
		now:      now,
		client:   clients,
		channels: channels,
		notifier: notifier,
		queues:   make(map[ports.Mobile][]Item),
	}
}

// Push appends item to m's FIFO; the timestamp must be no earlier than the
// actual send. On overflow, the oldest 10% of entries are dropped.
func (q *Queue) Push(m ports.Mobile, item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := append(q.queues[m], item)
	if len(list) > q.cfg.MaxQueueSize {
		drop := int(float64(q.cfg.MaxQueueSize) * overflowDrop)
		if drop < 1 {
			drop = 1
		}
		if drop > len(list) {
			drop = len(list)
		}
		list = append([]Item(nil), list[drop:]...)
	}
	q.queues[m] = list
}

// Len reports the current queue length for m, for diagnostics/tests.
func (q *Queue) Len(m ports.Mobile) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[m])
}

// Drain walks every mobile's FIFO, probing every entry whose age has reached
// CheckDelayMs, and removes every probed entry regardless of outcome
//. Called on the global promotion tick.
func (q *Queue) Drain(ctx context.Context, mobiles []ports.Mobile) {
	nowMs := q.now().UnixMilli()
	for _, m := range mobiles {
		q.drainOne(ctx, m, nowMs)
	}
}

func (q *Queue) drainOne(ctx context.Context, m ports.Mobile, nowMs int64) {
	q.mu.Lock()
	list := q.queues[m]
	var due []Item
	var remaining []Item
	for _, it := range list {
		if nowMs-it.Timestamp >= q.cfg.CheckDelayMs {
			due = append(due, it)
		} else {
			remaining = append(remaining, it)
		}
	}
	q.queues[m] = remaining
	q.mu.Unlock()

	for _, it := range due {
		q.probe(ctx, m, it)
	}
}

func (q *Queue) probe(ctx context.Context, m ports.Mobile, it Item) {
	client := q.client.Get(m)
	if client == nil {
		logger.Debugf("verify: no client for %s, skipping probe of channel %s", m, it.ChannelID)
		return
	}

	msgs, err := client.GetMessages(ctx, it.ChannelID, it.MessageID-2)
	if err != nil {
		logger.Warnf("verify: getMessages failed for %s/%s: %v", m, it.ChannelID, err)
		return
	}

	if len(msgs) > 0 && msgs[0].ID == it.MessageID {
		q.refreshLastMessageTime(ctx, it.ChannelID)
		return
	}

	q.handleDeletion(ctx, m, it)
}

func (q *Queue) refreshLastMessageTime(ctx context.Context, c ports.ChannelID) {
	if q.channels == nil {
		return
	}
	now := q.now().UnixMilli()
	if err := q.channels.Update(ctx, c, ports.ChannelPatch{LastMessageTime: &now}); err != nil {
		logger.Warnf("verify: refresh lastMessageTime failed for %s: %v", c, err)
	}
}

// handleDeletion implements the deletion policy: the canary variant
// "0" going away with an already-empty availableMsgs bans the channel;
// otherwise the variant is removed and the channel retained.
func (q *Queue) handleDeletion(ctx context.Context, m ports.Mobile, it Item) {
	if q.channels == nil {
		return
	}
	meta, err := q.channels.FindOne(ctx, it.ChannelID)
	if err != nil || meta == nil {
		logger.Warnf("verify: channel lookup failed for %s: %v", it.ChannelID, err)
		return
	}

	if it.VariantIndex == "0" && len(meta.AvailableMsgs) == 0 {
		banned := true
		if err := q.channels.Update(ctx, it.ChannelID, ports.ChannelPatch{Banned: &banned}); err != nil {
			logger.Warnf("verify: ban channel %s failed: %v", it.ChannelID, err)
		}
		q.notify(ctx, ports.NotifyChannelBanned, m, it.ChannelID, "canary variant deleted with no remaining variants")
		return
	}

	if err := q.channels.RemoveFromAvailableMsgs(ctx, it.ChannelID, it.VariantIndex); err != nil {
		logger.Warnf("verify: remove variant %s from %s failed: %v", it.VariantIndex, it.ChannelID, err)
	}
	q.notify(ctx, ports.NotifyVariantRemoved, m, it.ChannelID, "variant "+it.VariantIndex+" deleted")
}

func (q *Queue) notify(ctx context.Context, kind string, m ports.Mobile, c ports.ChannelID, detail string) {
	if q.notifier == nil {
		return
	}
	q.notifier.Notify(ctx, ports.NotifyEvent{Kind: kind, Mobile: m, Channel: c, Detail: detail})
}
