// Package scheduler drives the global promotion tick: for every healthy
// mobile it resolves a target channel, composes a message, sends it, and
// records the outcome. Sends run in small concurrent batches with a short
// per-mobile start stagger to decorrelate API access.
package scheduler

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"

	"promofleet/internal/domain/promotion/ports"
	"promofleet/internal/domain/promotion/registry"
	"promofleet/internal/domain/promotion/session"
	"promofleet/internal/domain/promotion/verify"
	"promofleet/internal/infra/clock"
	"promofleet/internal/infra/logger"
)

// Registry is the subset of ClientRegistry the scheduler drives.
type Registry interface {
	AcquireClient(ctx context.Context, m ports.Mobile) (ports.RemoteClient, error)
	Snapshot(m ports.Mobile) (*registry.Connection, bool)
	MarkHealthCheck(m ports.Mobile, deepProbe bool)
}

// Sessions is the subset of SessionState the scheduler drives. Satisfied
// directly by *session.Manager.
type Sessions interface {
	Mobiles() []ports.Mobile
	IsHealthy(m ports.Mobile) bool
	UpdateLastMessageTime(m ports.Mobile, t int64)
	UpdateLastCheckedTime(m ports.Mobile, t int64)
	IncSuccess(m ports.Mobile)
	IncFailed(m ports.Mobile)
	IncMessageCount(m ports.Mobile)
	SetSleep(m ports.Mobile, until int64)
	SetFailureReason(m ports.Mobile, reason string)
	TryBeginPromoting(m ports.Mobile) bool
	SetPromoting(m ports.Mobile, v bool)
	SetChannels(m ports.Mobile, channels []ports.ChannelID)
	Channels(m ports.Mobile) ([]ports.ChannelID, int)
	AdvanceChannel(m ports.Mobile)
	RecordOutcome(m ports.Mobile, c ports.ChannelID, success bool, errorMessage string)
	BannedChannels(m ports.Mobile) []ports.ChannelID
	Snapshot(m ports.Mobile) (session.Record, bool)
	DaysLeft(m ports.Mobile) int
}

// Verifier is the subset of VerificationQueue the scheduler drives.
type Verifier interface {
	Push(m ports.Mobile, item verify.Item)
	Drain(ctx context.Context, mobiles []ports.Mobile)
}

// Config bounds scheduler behavior.
type Config struct {
	TickInterval   time.Duration
	BatchSize      int
	StaggerMax     time.Duration
	DeepProbeStale time.Duration
}

// Scheduler is PromotionScheduler.
type Scheduler struct {
	cfg          Config
	registry     Registry
	sessions     Sessions
	queue        Verifier
	channels     ports.ChannelStore
	notifier     ports.Notifier
	now          clock.Source
	rng          *rand.Rand
	remoteBanned RemoteBannedChannels

	cancel context.CancelFunc
}

// New builds a Scheduler.
func New(cfg Config, registry Registry, sessions Sessions, queue Verifier, channels ports.ChannelStore, notifier ports.Notifier, now clock.Source, rng *rand.Rand, remoteBanned RemoteBannedChannels) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}
	if cfg.StaggerMax <= 0 {
		cfg.StaggerMax = 500 * time.Millisecond
	}
	if cfg.DeepProbeStale <= 0 {
		cfg.DeepProbeStale = 2 * time.Hour
	}
	if now == nil {
		now = clock.System()
	}
	return &Scheduler{
		cfg:          cfg,
		registry:     registry,
		sessions:     sessions,
		queue:        queue,
		channels:     channels,
		notifier:     notifier,
		now:          now,
		rng:          rng,
		remoteBanned: remoteBanned,
	}
}

// Run blocks, firing Tick on cfg.TickInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Shutdown cancels the tick loop started by Run.
func (s *Scheduler) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Tick runs one global promotion cycle.
func (s *Scheduler) Tick(ctx context.Context) {
	all := s.sessions.Mobiles()
	var healthy []ports.Mobile
	for _, m := range all {
		if s.sessions.IsHealthy(m) {
			healthy = append(healthy, m)
		}
	}

	s.queue.Drain(ctx, all)

	for i := 0; i < len(healthy); i += s.cfg.BatchSize {
		end := i + s.cfg.BatchSize
		if end > len(healthy) {
			end = len(healthy)
		}
		s.runBatch(ctx, healthy[i:end])
	}
}

func (s *Scheduler) runBatch(ctx context.Context, batch []ports.Mobile) {
	done := make(chan struct{}, len(batch))
	for _, m := range batch {
		stagger := time.Duration(0)
		if s.cfg.StaggerMax > 0 {
			stagger = time.Duration(intn(s.rng, int(s.cfg.StaggerMax/time.Millisecond))) * time.Millisecond
		}
		go func(m ports.Mobile, stagger time.Duration) {
			defer func() { done <- struct{}{} }()
			if stagger > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(stagger):
				}
			}
			s.promoteOne(ctx, m)
		}(m, stagger)
	}
	for range batch {
		<-done
	}
}

// promoteOne runs the full per-mobile send sequence for one tick.
func (s *Scheduler) promoteOne(ctx context.Context, m ports.Mobile) {
	client, err := s.registry.AcquireClient(ctx, m)
	if err != nil {
		logger.Debugf("scheduler: acquire failed for %s: %v", m, err)
		return
	}

	if conn, ok := s.registry.Snapshot(m); ok {
		if conn.LastDeepProbe.IsZero() || s.now().Sub(conn.LastDeepProbe) >= s.cfg.DeepProbeStale {
			if _, err := client.GetSelf(ctx); err != nil {
				logger.Warnf("scheduler: deep probe failed for %s: %v", m, err)
				return
			}
			s.registry.MarkHealthCheck(m, true)
			s.sessions.UpdateLastCheckedTime(m, s.now().UnixMilli())
		}
	}

	channels, idx := s.sessions.Channels(m)
	if len(channels) == 0 {
		refilled, err := s.refillChannels(ctx, client, m)
		if err != nil {
			logger.Warnf("scheduler: fetchDialogs failed for %s: %v", m, err)
			return
		}
		if len(refilled) == 0 {
			return
		}
		s.sessions.SetChannels(m, refilled)
		channels, idx = refilled, 0
	}

	c := channels[idx]

	for _, banned := range s.sessions.BannedChannels(m) {
		if banned == c {
			s.sessions.AdvanceChannel(m)
			return
		}
	}

	meta, err := s.resolveChannel(ctx, client, c)
	if err != nil {
		logger.Warnf("scheduler: resolve channel %s failed for %s: %v", c, m, err)
		return
	}

	if !s.sessions.TryBeginPromoting(m) {
		return
	}
	defer s.sessions.SetPromoting(m, false)

	s.sendToChannel(ctx, client, m, c, meta)
	s.sessions.AdvanceChannel(m)
}

func (s *Scheduler) refillChannels(ctx context.Context, client ports.RemoteClient, m ports.Mobile) ([]ports.ChannelID, error) {
	daysLeft := s.sessions.DaysLeft(m)
	failedBefore := func(c ports.ChannelID) bool {
		snap, ok := s.sessions.Snapshot(m)
		if !ok {
			return false
		}
		o, ok := snap.PromotionResults[c]
		return ok && !o.Success
	}
	return fetchDialogs(ctx, client, m, daysLeft, s.remoteBanned, failedBefore)
}

// resolveChannel looks up channel metadata cache-through: the store first,
// then the transport, writing fresh entities back to the store.
func (s *Scheduler) resolveChannel(ctx context.Context, client ports.RemoteClient, c ports.ChannelID) (ports.ChannelMeta, error) {
	if s.channels != nil {
		if meta, err := s.channels.FindOne(ctx, c); err == nil && meta != nil {
			return *meta, nil
		}
	}
	entity, err := client.GetEntity(ctx, c)
	if err != nil {
		return ports.ChannelMeta{}, errors.Wrap(err, "fetch channel entity")
	}
	meta := ports.ChannelMeta{
		ChannelID:         entity.ID,
		Title:             entity.Title,
		Username:          entity.Username,
		ParticipantsCount: entity.ParticipantsCount,
		Broadcast:         entity.Broadcast,
		Restricted:        entity.Restricted,
		CanSendMsgs:       !entity.DefaultBannedSendMessages,
		AvailableMsgs:     []string{"0"},
		WordRestriction:   entity.WordRestriction,
	}
	if s.channels != nil {
		if err := s.channels.Upsert(ctx, meta); err != nil {
			logger.Warnf("scheduler: channel write-back failed for %s: %v", c, err)
		}
	}
	return meta, nil
}

func (s *Scheduler) sendToChannel(ctx context.Context, client ports.RemoteClient, m ports.Mobile, c ports.ChannelID, meta ports.ChannelMeta) {
	snap, _ := s.sessions.Snapshot(m)
	variant := pickVariant(meta.AvailableMsgs, s.rng)
	template := snap.PromoteMsgs[variant]
	message := composeMessage(template, meta.WordRestriction, s.rng)

	target := ports.SendTarget{ChannelID: c}
	result, err := client.SendMessage(ctx, target, message)

	if err != nil {
		if _, ok := err.(*ports.ChannelPrivateError); ok && meta.Username != "" {
			retryTarget := ports.SendTarget{ChannelID: c, Username: meta.Username}
			result, err = client.SendMessage(ctx, retryTarget, message)
			if err == nil {
				s.notify(ctx, ports.NotifyBypassOn403, m, c, "delivered via @"+meta.Username+" after CHANNEL_PRIVATE")
			} else {
				s.notify(ctx, ports.NotifyRetryExhaustion, m, c, "username retry failed: "+err.Error())
			}
		}
	}

	if err != nil {
		s.handleSendFailure(m, c, err)
		return
	}

	s.handleSendSuccess(ctx, m, c, variant, result)
}

func (s *Scheduler) notify(ctx context.Context, kind string, m ports.Mobile, c ports.ChannelID, detail string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, ports.NotifyEvent{Kind: kind, Mobile: m, Channel: c, Detail: detail})
}

func (s *Scheduler) handleSendSuccess(ctx context.Context, m ports.Mobile, c ports.ChannelID, variant string, result ports.SendResult) {
	nowMs := s.now().UnixMilli()
	s.sessions.UpdateLastMessageTime(m, nowMs)
	s.sessions.IncSuccess(m)
	s.sessions.IncMessageCount(m)
	s.sessions.RecordOutcome(m, c, true, "")
	s.queue.Push(m, verify.Item{ChannelID: c, MessageID: result.ID, VariantIndex: variant, Timestamp: nowMs})
}

func (s *Scheduler) handleSendFailure(m ports.Mobile, c ports.ChannelID, err error) {
	if fw, ok := err.(*ports.FloodWaitError); ok {
		until := s.now().UnixMilli() + int64(fw.Seconds)*1000
		s.sessions.SetSleep(m, until)
		s.sessions.IncFailed(m)
		s.sessions.SetFailureReason(m, fw.Error())
		return
	}

	s.sessions.RecordOutcome(m, c, false, err.Error())
	s.sessions.IncFailed(m)
	s.sessions.SetFailureReason(m, err.Error())
}
