// Package app is the composition root: it wires the stores, the transport
// factory, and the promotion subsystems together, then hands control to the
// Runner, which owns the start/stop ordering and graceful shutdown.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"promofleet/internal/adapters/cli"
	"promofleet/internal/adapters/notifier/webhook"
	"promofleet/internal/adapters/store/bboltstore"
	"promofleet/internal/adapters/telegram/remoteclient"
	"promofleet/internal/domain/commands"
	"promofleet/internal/domain/promotion/health"
	"promofleet/internal/domain/promotion/persist"
	"promofleet/internal/domain/promotion/ports"
	"promofleet/internal/domain/promotion/registry"
	"promofleet/internal/domain/promotion/rotation"
	"promofleet/internal/domain/promotion/scheduler"
	"promofleet/internal/domain/promotion/session"
	"promofleet/internal/domain/promotion/verify"
	"promofleet/internal/infra/config"
	"promofleet/internal/infra/logger"
)

// App aggregates the assembled subsystems and the lifecycle plumbing.
type App struct {
	db       *bboltstore.DB
	registry *registry.Registry
	rotation *rotation.Engine
	health   *health.Checker
	sessions *session.Manager
	queue    *verify.Queue
	sched    *scheduler.Scheduler
	persist  *persist.Store
	cli      *cli.Service
	runner   *Runner

	ctx  context.Context
	stop context.CancelFunc
}

// NewApp returns an empty shell; the actual assembly happens in Init().
func NewApp() *App {
	return &App{}
}

// Init wires every subsystem:
//  1. opens the bbolt store and reads the account/template catalogs,
//  2. builds the per-mobile transport factory and the client registry,
//  3. builds rotation, health, session state, verification, scheduler,
//     and persistence on top,
//  4. seeds one session record per promote-mobile and restores snapshots,
//  5. constructs the operator CLI and the Runner.
func (a *App) Init(ctx context.Context, stop context.CancelFunc) error {
	logger.Info("promofleet initializing...")

	a.ctx = ctx
	a.stop = stop
	env := config.Env()

	db, err := bboltstore.Open(env.BBoltPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.db = db

	channels := db.Channels()
	templates := db.Templates()
	accounts := db.Accounts()

	var notify ports.Notifier
	if env.NotifyWebhookURL != "" {
		notify = webhook.New(env.NotifyWebhookURL, env.NotifyRPS)
	}

	factory := remoteclient.NewFactory(remoteclient.FactoryConfig{
		APIID:      env.APIID,
		APIHash:    env.APIHash,
		SessionDir: filepath.Join(env.DataDir, "sessions"),
		TestDC:     env.TestDC,
	}, accounts)

	a.registry = registry.New(registry.Config{
		MaxConcurrentConnections: env.MaxConcurrentConnections,
		ConnectTimeout:           env.ConnectionTimeout,
		DisconnectTimeout:        env.DisconnectTimeout,
	}, factory, accounts, nil)

	a.rotation = rotation.New(rotation.Config{
		ActiveSlots:               env.ActiveSlots,
		BaseInterval:              env.RotationInterval,
		MinInterval:               env.MinRotationInterval,
		MaxInterval:               env.MaxRotationInterval,
		JitterPercentage:          env.RotationJitterPercentage,
		MinActiveChangePercentage: env.MinActiveChangePercentage,
		MaxHistory:                env.MaxRotationHistory,
	}, registry.RotationView{Registry: a.registry}, nil, nil)

	a.health = health.New(health.Config{
		Interval:         env.HealthCheckInterval,
		ReconnectTimeout: env.ConnectionTimeout,
		DeepProbeTimeout: env.RemoteProbeTimeout,
	}, a.registry, a.rotation, nil)

	a.sessions = session.New(env.MaxResultsSize, nil, nil)

	a.queue = verify.New(verify.Config{
		MaxQueueSize: env.MaxQueueSize,
		CheckDelayMs: env.MessageCheckDelay.Milliseconds(),
	}, a.registry, channels, notify, nil)

	a.sched = scheduler.New(scheduler.Config{
		TickInterval: env.PromotionTickSecs,
	}, a.registry, a.sessions, a.queue, channels, notify, nil, nil, nil)

	a.persist = persist.New(persist.Config{
		Dir:              env.StatsDir,
		AutoSaveInterval: env.AutoSaveInterval,
	}, a.sessions, nil)

	pool, err := a.seedSessions(ctx, accounts, templates)
	if err != nil {
		return err
	}
	a.persist.LoadAll()
	a.rotation.Initialize(pool)
	logger.Infof("Session pool seeded: %d mobiles, %d active", len(pool), len(a.rotation.CurrentActive()))

	executor := commands.NewExecutor(a.rotation, a.health, a.sessions, a.persist, nil)
	a.cli = cli.NewService(executor, a.stop)

	a.runner = NewRunner(a.ctx, a.stop, a)
	return nil
}

// seedSessions creates one session record per promote-mobile listed by the
// account store, snapshotting the template catalog into each.
func (a *App) seedSessions(ctx context.Context, accounts ports.AccountStore, templates ports.TemplateStore) ([]ports.Mobile, error) {
	records, err := accounts.GetActiveClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	promoteMsgs, err := templates.FindOne(ctx)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	if len(promoteMsgs) == 0 {
		logger.Warn("template catalog is empty; sends will use blank messages until one is seeded")
	}

	var pool []ports.Mobile
	seen := make(map[ports.Mobile]bool)
	for _, rec := range records {
		for _, m := range rec.PromoteMobiles {
			if seen[m] {
				continue
			}
			seen[m] = true
			a.sessions.Ensure(m, promoteMsgs, rec.DaysLeft)
			pool = append(pool, m)
		}
	}
	return pool, nil
}

// Run delegates to the Runner's main loop; blocks until shutdown.
func (a *App) Run() error {
	return a.runner.Run()
}
