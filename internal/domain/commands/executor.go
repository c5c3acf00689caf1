package commands

import (
	"context"
	"errors"
	"time"

	"promofleet/internal/domain/promotion/ports"
	"promofleet/internal/domain/promotion/rotation"
	"promofleet/internal/domain/promotion/session"
	"promofleet/internal/infra/clock"
	"promofleet/internal/infra/logger"
)

// Rotator is the rotation surface the executor drives.
type Rotator interface {
	Rotate(ctx context.Context)
	Status() rotation.Status
}

// HealthSweeper runs one forced health pass.
type HealthSweeper interface {
	Sweep(ctx context.Context, force bool) map[ports.Mobile]bool
}

// Sessions is the session-state surface the executor reads and nudges.
type Sessions interface {
	Mobiles() []ports.Mobile
	IsHealthy(m ports.Mobile) bool
	Snapshot(m ports.Mobile) (session.Record, bool)
	SetSleep(m ports.Mobile, until int64)
}

// Persistence saves and restores the session snapshots.
type Persistence interface {
	SaveAll()
	LoadAll()
}

// CommandExecutor wires the promotion subsystems behind the Executor
// interface.
type CommandExecutor struct {
	rotator  Rotator
	health   HealthSweeper
	sessions Sessions
	persist  Persistence
	now      clock.Source
}

var _ Executor = (*CommandExecutor)(nil)

// NewExecutor builds a CommandExecutor. Any nil dependency disables the
// commands that need it with an explicit error instead of a panic.
func NewExecutor(rotator Rotator, health HealthSweeper, sessions Sessions, persist Persistence, now clock.Source) *CommandExecutor {
	if now == nil {
		now = clock.System()
	}
	return &CommandExecutor{
		rotator:  rotator,
		health:   health,
		sessions: sessions,
		persist:  persist,
		now:      now,
	}
}

// Status reports the rotation state plus a per-mobile counter table.
func (e *CommandExecutor) Status(ctx context.Context) (*StatusResult, error) {
	if e.rotator == nil || e.sessions == nil {
		return nil, errors.New("promotion engine is not available")
	}

	st := e.rotator.Status()
	activeSet := make(map[ports.Mobile]bool, len(st.Active))
	for _, m := range st.Active {
		activeSet[m] = true
	}

	result := &StatusResult{
		Active:       st.Active,
		Available:    st.Available,
		NextRotation: st.NextTick,
	}

	for _, m := range e.sessions.Mobiles() {
		rec, ok := e.sessions.Snapshot(m)
		if !ok {
			continue
		}
		result.Mobiles = append(result.Mobiles, MobileStatus{
			Mobile:       m,
			Active:       activeSet[m],
			Healthy:      e.sessions.IsHealthy(m),
			SuccessCount: rec.SuccessCount,
			FailedCount:  rec.FailedCount,
			MessageCount: rec.MessageCount,
			SleepUntil:   time.UnixMilli(rec.SleepTime),
			DaysLeft:     rec.DaysLeft,
			LastFailure:  rec.FailureReason,
		})
	}
	return result, nil
}

// Rotate forces an immediate rotation outside the jittered schedule.
func (e *CommandExecutor) Rotate(ctx context.Context) error {
	if e.rotator == nil {
		return errors.New("rotation engine is not available")
	}
	e.rotator.Rotate(ctx)
	return nil
}

// HealthCheck runs one forced deep sweep over every registered client.
func (e *CommandExecutor) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	if e.health == nil {
		return nil, errors.New("health checker is not available")
	}
	return &HealthCheckResult{Healthy: e.health.Sweep(ctx, true)}, nil
}

// Save snapshots every session to disk immediately.
func (e *CommandExecutor) Save(ctx context.Context) error {
	if e.persist == nil {
		return errors.New("persistence is not available")
	}
	e.persist.SaveAll()
	return nil
}

// Load restores every session from disk, replacing in-memory counters.
func (e *CommandExecutor) Load(ctx context.Context) error {
	if e.persist == nil {
		return errors.New("persistence is not available")
	}
	e.persist.LoadAll()
	return nil
}

// Pause puts one mobile to sleep for d, taking it out of scheduling without
// disconnecting it.
func (e *CommandExecutor) Pause(ctx context.Context, mobile ports.Mobile, d time.Duration) error {
	if e.sessions == nil {
		return errors.New("session state is not available")
	}
	until := e.now().Add(d).UnixMilli()
	e.sessions.SetSleep(mobile, until)
	logger.Infof("commands: paused %s until %s", mobile, time.UnixMilli(until).Format(time.RFC3339))
	return nil
}

// Resume clears a mobile's sleep cutoff so the next tick may pick it up.
func (e *CommandExecutor) Resume(ctx context.Context, mobile ports.Mobile) error {
	if e.sessions == nil {
		return errors.New("session state is not available")
	}
	e.sessions.SetSleep(mobile, 0)
	logger.Infof("commands: resumed %s", mobile)
	return nil
}
