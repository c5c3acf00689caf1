// Package persist snapshots per-mobile session state to disk and restores
// it on startup. Each mobile gets its own JSON file so one corrupt snapshot
// never takes down the rest, and writes go through the atomic write helper
// so a crash mid-save leaves the previous snapshot intact.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"promofleet/internal/domain/promotion/ports"
	"promofleet/internal/domain/promotion/session"
	"promofleet/internal/infra/clock"
	"promofleet/internal/infra/logger"
	"promofleet/internal/infra/storage"
)

// snapshotVersion is bumped only on incompatible schema changes.
const snapshotVersion = "1.0"

// mobileStats is the counters block of one snapshot file.
type mobileStats struct {
	MessageCount    int   `json:"messageCount"`
	SuccessCount    int   `json:"successCount"`
	FailedCount     int   `json:"failedCount"`
	DaysLeft        int   `json:"daysLeft"`
	LastCheckedTime int64 `json:"lastCheckedTime"`
	SleepTime       int64 `json:"sleepTime"`
	ReleaseTime     int64 `json:"releaseTime"`
	LastMessageTime int64 `json:"lastMessageTime"`
	Converted       int   `json:"converted"`
}

// promotionResult mirrors one promotionResults entry on disk.
type promotionResult struct {
	Success            bool   `json:"success"`
	Count              int    `json:"count"`
	ErrorMessage       string `json:"errorMessage,omitempty"`
	LastCheckTimestamp int64  `json:"lastCheckTimestamp"`
}

// snapshot is the full on-disk schema of one per-mobile file.
type snapshot struct {
	MobileStats      mobileStats                `json:"mobileStats"`
	PromotionResults map[string]promotionResult `json:"promotionResults"`
	SavedAt          string                     `json:"savedAt"`
	Version          string                     `json:"version"`
}

// Sessions is the subset of the session manager persistence drives.
type Sessions interface {
	Mobiles() []ports.Mobile
	Snapshot(m ports.Mobile) (session.Record, bool)
	Restore(m ports.Mobile, r session.Record)
	CleanupAll()
}

// Config bounds persistence behavior.
type Config struct {
	Dir              string
	AutoSaveInterval time.Duration
	ShutdownTimeout  time.Duration
}

// Store saves and restores session records as per-mobile JSON files named
// mobileStats-<mobile>.json under the configured directory.
type Store struct {
	cfg      Config
	sessions Sessions
	now      clock.Source

	mu sync.Mutex // serializes SaveAll/Load against each other
}

// New builds a Store.
func New(cfg Config, sessions Sessions, now clock.Source) *Store {
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.AutoSaveInterval <= 0 {
		cfg.AutoSaveInterval = 5 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 60 * time.Second
	}
	if now == nil {
		now = clock.System()
	}
	return &Store{cfg: cfg, sessions: sessions, now: now}
}

// FilePath returns the snapshot path for one mobile.
func (s *Store) FilePath(m ports.Mobile) string {
	return filepath.Join(s.cfg.Dir, fmt.Sprintf("mobileStats-%s.json", m))
}

// Save writes m's current record to disk. A missing record is a no-op.
func (s *Store) Save(m ports.Mobile) error {
	rec, ok := s.sessions.Snapshot(m)
	if !ok {
		return nil
	}

	snap := snapshot{
		MobileStats: mobileStats{
			MessageCount:    rec.MessageCount,
			SuccessCount:    rec.SuccessCount,
			FailedCount:     rec.FailedCount,
			DaysLeft:        rec.DaysLeft,
			LastCheckedTime: rec.LastCheckedTime,
			SleepTime:       rec.SleepTime,
			ReleaseTime:     rec.ReleaseTime,
			LastMessageTime: rec.LastMessageTime,
			Converted:       rec.Converted,
		},
		PromotionResults: make(map[string]promotionResult, len(rec.PromotionResults)),
		SavedAt:          s.now().UTC().Format(time.RFC3339),
		Version:          snapshotVersion,
	}
	for c, o := range rec.PromotionResults {
		snap.PromotionResults[string(c)] = promotionResult{
			Success:            o.Success,
			Count:              o.Count,
			ErrorMessage:       o.ErrorMessage,
			LastCheckTimestamp: o.LastCheckTimestamp,
		}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot for %s: %w", m, err)
	}
	if err := storage.AtomicWriteFile(s.FilePath(m), data); err != nil {
		return fmt.Errorf("write snapshot for %s: %w", m, err)
	}
	return nil
}

// Load reads m's snapshot from disk and merges it into the in-memory record.
// A missing file is a normal first run; a malformed file is logged and
// treated the same way. Fields not covered by the snapshot (channel list,
// template cache, isPromoting) keep their in-memory values.
func (s *Store) Load(m ports.Mobile) error {
	data, err := os.ReadFile(s.FilePath(m))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot for %s: %w", m, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.Warnf("persist: snapshot for %s is malformed, starting fresh: %v", m, err)
		return nil
	}

	rec, _ := s.sessions.Snapshot(m)
	rec.MessageCount = snap.MobileStats.MessageCount
	rec.SuccessCount = snap.MobileStats.SuccessCount
	rec.FailedCount = snap.MobileStats.FailedCount
	rec.DaysLeft = snap.MobileStats.DaysLeft
	rec.LastCheckedTime = snap.MobileStats.LastCheckedTime
	rec.SleepTime = snap.MobileStats.SleepTime
	rec.ReleaseTime = snap.MobileStats.ReleaseTime
	rec.LastMessageTime = snap.MobileStats.LastMessageTime
	rec.Converted = snap.MobileStats.Converted
	rec.PromotionResults = make(map[ports.ChannelID]session.Outcome, len(snap.PromotionResults))
	for c, o := range snap.PromotionResults {
		rec.PromotionResults[ports.ChannelID(c)] = session.Outcome{
			Success:            o.Success,
			Count:              o.Count,
			ErrorMessage:       o.ErrorMessage,
			LastCheckTimestamp: o.LastCheckTimestamp,
		}
	}
	rec.IsPromoting = false

	s.sessions.Restore(m, rec)
	return nil
}

// SaveAll snapshots every tracked mobile in parallel. Failures are logged
// per mobile and never abort the others.
func (s *Store) SaveAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range s.sessions.Mobiles() {
		wg.Add(1)
		go func(m ports.Mobile) {
			defer wg.Done()
			if err := s.Save(m); err != nil {
				logger.Warnf("persist: autosave failed for %s: %v", m, err)
			}
		}(m)
	}
	wg.Wait()
}

// LoadAll restores every tracked mobile from disk.
func (s *Store) LoadAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.sessions.Mobiles() {
		if err := s.Load(m); err != nil {
			logger.Warnf("persist: load failed for %s: %v", m, err)
		}
	}
}

// Run blocks, autosaving on the configured interval until ctx is cancelled.
// Outcome-history cleanup piggybacks on the same cadence so stale and
// over-cap entries are trimmed before each snapshot.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.AutoSaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sessions.CleanupAll()
			s.SaveAll()
		}
	}
}

// Flush runs the shutdown save: same parallel fan-out as SaveAll, but
// bounded by the shutdown timeout so a wedged disk cannot block
// termination forever.
func (s *Store) Flush() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.SaveAll()
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		logger.Error("persist: shutdown flush timed out, some snapshots may be stale")
	}
}
