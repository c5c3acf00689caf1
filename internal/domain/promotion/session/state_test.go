package session_test

import (
	"testing"
	"time"

	"promofleet/internal/domain/promotion/ports"
	"promofleet/internal/domain/promotion/session"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestIsHealthyFreshRecordIsEligible(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	m := session.New(0, fixedClock(now), nil)
	mob := ports.Mobile("m1")
	m.Ensure(mob, nil, 3) // never messaged, daysLeft in (0,7) -> idle threshold trivially satisfied

	if !m.IsHealthy(mob) {
		t.Fatalf("expected a freshly added mobile with zero lastMessageTime to be immediately eligible")
	}
}

func TestIsHealthyRecentMessageBlocksUntilIdleWindow(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	m := session.New(0, fixedClock(now), nil)
	mob := ports.Mobile("m1")
	m.Ensure(mob, nil, 3)
	m.UpdateLastMessageTime(mob, now.Add(-1*time.Minute).UnixMilli())

	if m.IsHealthy(mob) {
		t.Fatalf("expected unhealthy: messaged 1m ago, below the 3m idle window for daysLeft>0")
	}
}

func TestIsHealthyDaysLeftGate(t *testing.T) {
	t.Parallel()

	now := time.Unix(2_000_000_000, 0)
	m := session.New(0, fixedClock(now), nil)
	mob := ports.Mobile("m1")
	m.Ensure(mob, nil, 10) // daysLeft >= 7, never healthy

	m.UpdateLastMessageTime(mob, now.Add(-1*time.Hour).UnixMilli())
	if m.IsHealthy(mob) {
		t.Fatalf("expected unhealthy when daysLeft >= 7")
	}
}

func TestIsHealthyPositiveCase(t *testing.T) {
	t.Parallel()

	now := time.Unix(2_000_000_000, 0)
	m := session.New(0, fixedClock(now), nil)
	mob := ports.Mobile("m1")
	m.Ensure(mob, nil, 2)

	staleEnough := now.Add(-4 * time.Minute).UnixMilli()
	m.UpdateLastMessageTime(mob, staleEnough)

	if !m.IsHealthy(mob) {
		t.Fatalf("expected healthy: daysLeft>0 and idle > 3m, no sleep set")
	}
}

func TestIsHealthyBlockedBySleep(t *testing.T) {
	t.Parallel()

	now := time.Unix(2_000_000_000, 0)
	m := session.New(0, fixedClock(now), nil)
	mob := ports.Mobile("m1")
	m.Ensure(mob, nil, 2)
	m.UpdateLastMessageTime(mob, now.Add(-1*time.Hour).UnixMilli())
	m.SetSleep(mob, now.Add(10*time.Minute).UnixMilli())

	if m.IsHealthy(mob) {
		t.Fatalf("expected unhealthy while sleepTime is in the future")
	}
}

func TestIncSuccessResetsTempFailCount(t *testing.T) {
	t.Parallel()

	m := session.New(0, fixedClock(time.Now()), nil)
	mob := ports.Mobile("m1")
	m.Ensure(mob, nil, 0)

	m.IncFailed(mob)
	m.IncFailed(mob)
	m.IncSuccess(mob)

	snap, _ := m.Snapshot(mob)
	if snap.TempFailCount != 0 {
		t.Fatalf("expected tempFailCount reset to 0, got %d", snap.TempFailCount)
	}
	if snap.SuccessCount != 1 || snap.FailedCount != 2 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
}

func TestTryBeginPromotingIsReentrancyGuard(t *testing.T) {
	t.Parallel()

	m := session.New(0, fixedClock(time.Now()), nil)
	mob := ports.Mobile("m1")
	m.Ensure(mob, nil, 0)

	if !m.TryBeginPromoting(mob) {
		t.Fatalf("expected first TryBeginPromoting to succeed")
	}
	if m.TryBeginPromoting(mob) {
		t.Fatalf("expected second concurrent TryBeginPromoting to fail")
	}
	m.SetPromoting(mob, false)
	if !m.TryBeginPromoting(mob) {
		t.Fatalf("expected TryBeginPromoting to succeed again after release")
	}
}

func TestAdvanceChannelWrapsAndReshuffles(t *testing.T) {
	t.Parallel()

	m := session.New(0, fixedClock(time.Now()), nil)
	mob := ports.Mobile("m1")
	m.Ensure(mob, nil, 0)
	chans := []ports.ChannelID{"a", "b", "c"}
	m.SetChannels(mob, chans)

	for i := 0; i < 3; i++ {
		m.AdvanceChannel(mob)
	}

	list, idx := m.Channels(mob)
	if idx != 0 {
		t.Fatalf("expected cursor wrapped to 0, got %d", idx)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 channels preserved across reshuffle, got %d", len(list))
	}
}

func TestAdvanceChannelEmptyListIsNoop(t *testing.T) {
	t.Parallel()

	m := session.New(0, fixedClock(time.Now()), nil)
	mob := ports.Mobile("m1")
	m.Ensure(mob, nil, 0)

	m.AdvanceChannel(mob) // must not panic on empty channel list
	_, idx := m.Channels(mob)
	if idx != 0 {
		t.Fatalf("expected idx 0, got %d", idx)
	}
}

func TestRecordOutcomeSuccessIncrementsCount(t *testing.T) {
	t.Parallel()

	m := session.New(0, fixedClock(time.Now()), nil)
	mob := ports.Mobile("m1")
	m.Ensure(mob, nil, 0)
	c := ports.ChannelID("chan1")

	m.RecordOutcome(mob, c, true, "")
	m.RecordOutcome(mob, c, true, "")
	m.RecordOutcome(mob, c, false, "FLOOD_WAIT")

	snap, _ := m.Snapshot(mob)
	o := snap.PromotionResults[c]
	if o.Count != 2 {
		t.Fatalf("expected count to stay at 2 after a failure, got %d", o.Count)
	}
	if o.Success {
		t.Fatalf("expected last outcome to reflect the failure")
	}
	if o.ErrorMessage != "FLOOD_WAIT" {
		t.Fatalf("expected errorMessage to be recorded, got %q", o.ErrorMessage)
	}
}

func TestBannedChannelsEnumeratesRecentUserBanned(t *testing.T) {
	t.Parallel()

	now := time.Unix(2_000_000_000, 0)
	m := session.New(0, fixedClock(now), nil)
	mob := ports.Mobile("m1")
	m.Ensure(mob, nil, 0)

	m.RecordOutcome(mob, "banned-recent", false, (&ports.UserBannedError{}).Error())
	m.RecordOutcome(mob, "other-failure", false, "CHAT_WRITE_FORBIDDEN")
	m.RecordOutcome(mob, "ok-channel", true, "")

	banned := m.BannedChannels(mob)
	if len(banned) != 1 || banned[0] != "banned-recent" {
		t.Fatalf("expected exactly [banned-recent], got %v", banned)
	}
}

func TestCleanupDropsStaleEntriesAndEnforcesCap(t *testing.T) {
	t.Parallel()

	now := time.Unix(2_000_000_000, 0)
	m := session.New(2, fixedClock(now), nil)
	mob := ports.Mobile("m1")
	m.Ensure(mob, nil, 0)

	m.RecordOutcome(mob, "stale", true, "")
	snap, _ := m.Snapshot(mob)
	stale := snap.PromotionResults["stale"]
	stale.LastCheckTimestamp = now.Add(-4 * 24 * time.Hour).UnixMilli()
	m.Restore(mob, func() session.Record {
		r := snap
		r.PromotionResults = map[ports.ChannelID]session.Outcome{"stale": stale}
		return r
	}())

	m.RecordOutcome(mob, "a", true, "")
	m.RecordOutcome(mob, "a", true, "")
	m.RecordOutcome(mob, "a", true, "")
	m.RecordOutcome(mob, "b", true, "")
	m.RecordOutcome(mob, "c", true, "")

	m.Cleanup(mob)

	final, _ := m.Snapshot(mob)
	if _, ok := final.PromotionResults["stale"]; ok {
		t.Fatalf("expected stale entry dropped by TTL cleanup")
	}
	if len(final.PromotionResults) != 2 {
		t.Fatalf("expected size cleanup to cap at 2, got %d: %+v", len(final.PromotionResults), final.PromotionResults)
	}
	if _, ok := final.PromotionResults["a"]; !ok {
		t.Fatalf("expected highest-count channel 'a' retained")
	}
}

func TestCleanupNegativeDaysLeftWipesHistory(t *testing.T) {
	t.Parallel()

	now := time.Unix(2_000_000_000, 0)
	m := session.New(0, fixedClock(now), nil)
	mob := ports.Mobile("m1")
	m.Ensure(mob, nil, -1)
	m.RecordOutcome(mob, "a", true, "")
	m.RecordOutcome(mob, "b", false, "USER_BANNED_IN_CHANNEL")

	m.Cleanup(mob)

	rec, _ := m.Snapshot(mob)
	if len(rec.PromotionResults) != 0 {
		t.Fatalf("expected history wiped for daysLeft<0, got %+v", rec.PromotionResults)
	}
}

func TestEnsureDoesNotOverwriteExisting(t *testing.T) {
	t.Parallel()

	m := session.New(0, fixedClock(time.Now()), nil)
	mob := ports.Mobile("m1")
	m.Ensure(mob, map[string]string{"0": "hello"}, 5)
	m.IncSuccess(mob)
	m.Ensure(mob, map[string]string{"0": "changed"}, 99)

	snap, _ := m.Snapshot(mob)
	if snap.SuccessCount != 1 {
		t.Fatalf("expected Ensure to be a no-op on existing record, lost counters: %+v", snap)
	}
	if snap.PromoteMsgs["0"] != "hello" {
		t.Fatalf("expected original promoteMsgs preserved, got %v", snap.PromoteMsgs)
	}
}

func TestPurgeRemovesRecord(t *testing.T) {
	t.Parallel()

	m := session.New(0, fixedClock(time.Now()), nil)
	mob := ports.Mobile("m1")
	m.Ensure(mob, nil, 0)
	m.Purge(mob)

	_, found := m.Snapshot(mob)
	if found {
		t.Fatalf("expected record purged")
	}
}
