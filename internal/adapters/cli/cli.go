// Package cli is the interactive operator console. The service starts in
// the background, reads commands from readline, and drives the promotion
// control plane through the commands.Executor surface. Start/Stop are
// idempotent so the service slots cleanly into the app lifecycle.
package cli

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"promofleet/internal/domain/commands"
	"promofleet/internal/domain/promotion/ports"
	"promofleet/internal/infra/config"
	"promofleet/internal/infra/logger"
	"promofleet/internal/infra/pr"
	"promofleet/internal/infra/timeutil"
)

// commandDescriptor describes one CLI command for help rendering.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors is the registry of available commands. Names must match
// the cases in handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "status", description: "Show rotation state and per-mobile counters"},
	{name: "rotate", description: "Force an immediate active-set rotation"},
	{name: "healthcheck", description: "Run a forced deep health sweep over all clients"},
	{name: "save", description: "Snapshot all session stats to disk now"},
	{name: "load", description: "Restore session stats from disk"},
	{name: "pause <mobile> [duration]", description: "Take one mobile out of scheduling (default 1h)"},
	{name: "resume <mobile>", description: "Clear a mobile's sleep cutoff"},
	{name: "exit", description: "Stop CLI and terminate the service"},
}

const defaultPauseDuration = time.Hour

// commandTimeout bounds one command's execution so a wedged RPC cannot hang
// the console forever.
const commandTimeout = 30 * time.Second

// Service runs the console loop and integrates into the app lifecycle.
type Service struct {
	exec      commands.Executor
	stopApp   context.CancelFunc
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService builds the CLI service. stopApp is the application-wide
// shutdown trigger, used by the exit command and Ctrl-C on an empty line.
func NewService(exec commands.Executor, stopApp context.CancelFunc) *Service {
	return &Service{exec: exec, stopApp: stopApp}
}

// Start launches the console loop in a goroutine. Repeat calls are ignored.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(runCtx)
		}()
	})
}

// Stop terminates the console: triggers the app-wide shutdown, interrupts
// readline, cancels the loop, and waits for it to unwind.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.stopApp != nil {
			s.stopApp()
		}
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.SetPrompt("> ")
	pr.Println("CLI started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers wires the special keys:
//   - '?' prints help without inserting the character;
//   - Ctrl-C on an empty line triggers a soft app shutdown;
//   - Ctrl-C on a non-empty line clears it.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand parses one input line and executes the matching command.
// Returns true when the command asks to exit the console.
func (s *Service) handleCommand(cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch fields[0] {
	case "help":
		printCommandHelp()
	case "status":
		s.handleStatus(ctx)
	case "rotate":
		if err := s.exec.Rotate(ctx); err != nil {
			pr.ErrPrintln("rotate error:", err)
		} else {
			pr.Println("Rotation complete.")
		}
	case "healthcheck":
		s.handleHealthCheck(ctx)
	case "save":
		if err := s.exec.Save(ctx); err != nil {
			pr.ErrPrintln("save error:", err)
		} else {
			pr.Println("Session stats saved.")
		}
	case "load":
		if err := s.exec.Load(ctx); err != nil {
			pr.ErrPrintln("load error:", err)
		} else {
			pr.Println("Session stats loaded.")
		}
	case "pause":
		s.handlePause(ctx, fields[1:])
	case "resume":
		if len(fields) != 2 {
			pr.ErrPrintln("usage: resume <mobile>")
			return false
		}
		if err := s.exec.Resume(ctx, ports.Mobile(fields[1])); err != nil {
			pr.ErrPrintln("resume error:", err)
		} else {
			pr.Printf("Resumed %s.\n", fields[1])
		}
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

func (s *Service) handleStatus(ctx context.Context) {
	st, err := s.exec.Status(ctx)
	if err != nil {
		pr.ErrPrintln("status error:", err)
		return
	}

	loc := statusLocation()
	pr.Printf("Active: %v\n", st.Active)
	pr.Printf("Available: %v\n", st.Available)
	if !st.NextRotation.IsZero() {
		pr.Printf("Next rotation: %s\n", st.NextRotation.In(loc).Format(time.RFC3339))
	}
	if len(st.Mobiles) == 0 {
		pr.Println("No sessions tracked yet.")
		return
	}
	for _, m := range st.Mobiles {
		mark := " "
		if m.Active {
			mark = "*"
		}
		health := "unhealthy"
		if m.Healthy {
			health = "healthy"
		}
		pr.Printf("%s %-16s %-9s sent=%d ok=%d fail=%d daysLeft=%d",
			mark, m.Mobile, health, m.MessageCount, m.SuccessCount, m.FailedCount, m.DaysLeft)
		if m.SleepUntil.After(time.Now()) {
			pr.Printf(" sleeping-until=%s", m.SleepUntil.In(loc).Format(time.RFC3339))
		}
		if m.LastFailure != "" {
			pr.Printf(" lastError=%s", m.LastFailure)
		}
		pr.Println()
	}
}

// statusLocation resolves the display timezone from configuration, falling
// back to UTC when it is absent or unparsable.
func statusLocation() *time.Location {
	loc, err := timeutil.ParseLocation(config.Env().AppTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s *Service) handleHealthCheck(ctx context.Context) {
	res, err := s.exec.HealthCheck(ctx)
	if err != nil {
		pr.ErrPrintln("healthcheck error:", err)
		return
	}
	if len(res.Healthy) == 0 {
		pr.Println("No clients registered.")
		return
	}
	for m, ok := range res.Healthy {
		state := "unhealthy"
		if ok {
			state = "healthy"
		}
		pr.Printf("%-16s %s\n", m, state)
	}
}

func (s *Service) handlePause(ctx context.Context, args []string) {
	if len(args) < 1 || len(args) > 2 {
		pr.ErrPrintln("usage: pause <mobile> [duration]")
		return
	}
	d := defaultPauseDuration
	if len(args) == 2 {
		parsed, err := time.ParseDuration(args[1])
		if err != nil || parsed <= 0 {
			pr.ErrPrintln("invalid duration:", args[1])
			return
		}
		d = parsed
	}
	if err := s.exec.Pause(ctx, ports.Mobile(args[0]), d); err != nil {
		pr.ErrPrintln("pause error:", err)
		return
	}
	pr.Printf("Paused %s for %s.\n", args[0], d)
}

func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, strings.Fields(d.name)[0])
	}
	return strings.Join(names, ", ")
}

func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-26s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
