// runner.go owns the orchestration: it starts the periodic drivers in
// order, blocks until the process-level context is cancelled, and then
// unwinds everything in reverse so in-flight sends finish before the final
// persistence flush and the transport teardown.
package app

import (
	"context"
	"sync"

	"promofleet/internal/infra/logger"
)

// Runner encapsulates the start/stop scenario for the promotion engine.
type Runner struct {
	app        *App
	mainCtx    context.Context
	mainCancel context.CancelFunc

	driversWG     sync.WaitGroup
	driversCancel context.CancelFunc
}

// NewRunner prepares a Runner around an already-initialized App.
func NewRunner(mainCtx context.Context, mainCancel context.CancelFunc, app *App) *Runner {
	return &Runner{
		app:        app,
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Run starts every service, blocks until the main context is cancelled,
// then runs the shutdown sequence. Always returns nil so the caller can
// treat a signal-triggered exit as clean.
func (r *Runner) Run() error {
	logger.Info("promofleet running...")

	driversCtx, cancel := context.WithCancel(context.Background())
	r.driversCancel = cancel
	r.startAllServices(driversCtx)

	<-r.mainCtx.Done()
	logger.Debug("Shutdown signal received, stopping runner...")
	r.stopAllServices()
	return nil
}

func (r *Runner) startAllServices(ctx context.Context) {
	// cli
	logger.Debug("starting service cli")
	r.app.cli.Start(ctx)
	logger.Debug("service cli started")

	// rotation_engine
	logger.Debug("starting service rotation_engine")
	r.goDriver(func() { r.app.rotation.Run(ctx) })
	logger.Debug("service rotation_engine started")

	// health_checker
	logger.Debug("starting service health_checker")
	r.goDriver(func() { r.app.health.Run(ctx) })
	logger.Debug("service health_checker started")

	// promotion_scheduler
	logger.Debug("starting service promotion_scheduler")
	r.goDriver(func() { r.app.sched.Run(ctx) })
	logger.Debug("service promotion_scheduler started")

	// state_persistence
	logger.Debug("starting service state_persistence")
	r.goDriver(func() { r.app.persist.Run(ctx) })
	logger.Debug("service state_persistence started")
}

func (r *Runner) goDriver(run func()) {
	r.driversWG.Add(1)
	go func() {
		defer r.driversWG.Done()
		run()
	}()
}

// stopAllServices unwinds in reverse order: periodic drivers first so no
// new sends start, then the transport pool, then the final snapshot flush,
// then the store and the console.
func (r *Runner) stopAllServices() {
	// periodic drivers
	logger.Debug("stopping periodic drivers")
	if r.driversCancel != nil {
		r.driversCancel()
	}
	r.driversWG.Wait()
	logger.Debug("periodic drivers stopped")

	// client_registry
	logger.Debug("stopping service client_registry")
	r.app.registry.ReleaseAll()
	logger.Debug("service client_registry stopped")

	// persistence flush
	logger.Debug("running final persistence flush")
	r.app.persist.Flush()
	logger.Debug("final persistence flush complete")

	// store
	logger.Debug("stopping service store")
	if err := r.app.db.Close(); err != nil {
		logger.Errorf("failed to close store: %v", err)
	}
	logger.Debug("service store stopped")

	// cli
	logger.Debug("stopping service cli")
	r.app.cli.Stop()
	logger.Debug("service cli stopped")
}
