package reputation

import (
	"errors"
	"testing"
	"time"
)

func TestPenaltyFactors(t *testing.T) {
	tr := NewTracker(DefaultParams(), nil)

	if w := tr.Penalize("src-1", SeveritySevere, "forged signature"); w != 0.5 {
		t.Errorf("severe penalty from 1.0: expected 0.5, got %v", w)
	}
	if w := tr.Penalize("src-2", SeverityMinor, "stale evidence"); w != 0.8 {
		t.Errorf("minor penalty from 1.0: expected 0.8, got %v", w)
	}
}

func TestPenaltyFloor(t *testing.T) {
	tr := NewTracker(DefaultParams(), nil)
	for i := 0; i < 50; i++ {
		tr.Penalize("src-1", SeveritySevere, "equivocation")
	}
	if w := tr.WeightOf("src-1"); w != 0.001 {
		t.Errorf("expected floor 0.001, got %v", w)
	}
}

func TestRewardNeedsObservationWindow(t *testing.T) {
	tr := NewTracker(DefaultParams(), nil)
	tr.Penalize("src-1", SeveritySevere, "forged signature")

	// Nine honest events: still under the window, weight unchanged.
	for i := 0; i < 9; i++ {
		if w := tr.Observe("src-1"); w != 0.5 {
			t.Fatalf("event %d: expected unchanged 0.5, got %v", i+1, w)
		}
	}
	// Tenth event lands the reward.
	if w := tr.Observe("src-1"); w != 0.51 {
		t.Errorf("expected 0.51 after full window, got %v", w)
	}
	// Streak restarts: the eleventh event alone changes nothing.
	if w := tr.Observe("src-1"); w != 0.51 {
		t.Errorf("expected streak reset, got %v", w)
	}
}

func TestPenaltyResetsStreak(t *testing.T) {
	tr := NewTracker(DefaultParams(), nil)
	for i := 0; i < 9; i++ {
		tr.Observe("src-1")
	}
	tr.Penalize("src-1", SeverityMinor, "stale evidence")
	// The window must start over after a penalty.
	if w := tr.Observe("src-1"); w != 0.8 {
		t.Errorf("expected 0.8 with streak reset, got %v", w)
	}
}

func TestRecoverySlowerThanDecay(t *testing.T) {
	tr := NewTracker(DefaultParams(), nil)
	tr.Penalize("src-1", SeveritySevere, "forged signature")
	lost := 1.0 - tr.WeightOf("src-1")

	// One full recovery cycle regains far less than one offense cost.
	for i := 0; i < 10; i++ {
		tr.Observe("src-1")
	}
	regained := tr.WeightOf("src-1") - 0.5
	if regained*10 > lost {
		t.Errorf("recovery too fast: lost %v, regained %v per window", lost, regained)
	}
}

func TestRewardCeiling(t *testing.T) {
	p := DefaultParams()
	p.ObservationN = 1
	tr := NewTracker(p, nil)

	for i := 0; i < 200; i++ {
		tr.Observe("src-1")
	}
	if w := tr.WeightOf("src-1"); w != 1.0 {
		t.Errorf("expected ceiling 1.0, got %v", w)
	}
}

func TestUnknownSubjectDefaults(t *testing.T) {
	tr := NewTracker(DefaultParams(), nil)
	if w := tr.WeightOf("never-seen"); w != 1.0 {
		t.Errorf("expected initial trust 1.0, got %v", w)
	}
	if _, err := tr.ScoreOf("never-seen"); !errors.Is(err, ErrUnknownSubject) {
		t.Errorf("expected ErrUnknownSubject, got %v", err)
	}
	if _, err := tr.History("never-seen"); !errors.Is(err, ErrUnknownSubject) {
		t.Errorf("expected ErrUnknownSubject, got %v", err)
	}
}

func TestHistoryRecordsAdjustments(t *testing.T) {
	tr := NewTracker(DefaultParams(), nil)
	tr.Penalize("src-1", SeveritySevere, "nonce replay")
	tr.Penalize("src-1", SeverityMinor, "stale evidence")

	events, err := tr.History("src-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Before != 1.0 || events[0].After != 0.5 {
		t.Errorf("first event wrong: %+v", events[0])
	}
	if events[1].Before != 0.5 || events[1].After != 0.4 {
		t.Errorf("second event wrong: %+v", events[1])
	}
}

func TestHistoryBounded(t *testing.T) {
	p := DefaultParams()
	p.MaxHistoryLen = 4
	tr := NewTracker(p, nil)

	for i := 0; i < 10; i++ {
		tr.Penalize("src-1", SeverityMinor, "stale evidence")
	}
	events, err := tr.History("src-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 4 {
		t.Errorf("expected 4 retained events, got %d", len(events))
	}
}

func TestSnapshotSorted(t *testing.T) {
	tr := NewTracker(DefaultParams(), nil)
	tr.Penalize("zed", SeverityMinor, "x")
	tr.Penalize("abe", SeverityMinor, "x")
	tr.Penalize("mid", SeverityMinor, "x")

	snap := tr.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 scores, got %d", len(snap))
	}
	if snap[0].SubjectID != "abe" || snap[2].SubjectID != "zed" {
		t.Errorf("snapshot not sorted: %v", snap)
	}
}

func TestRestoreClamps(t *testing.T) {
	tr := NewTracker(DefaultParams(), nil)
	tr.Restore("low", 0.0000001, time.Now())
	tr.Restore("high", 7.5, time.Now())

	if w := tr.WeightOf("low"); w != 0.001 {
		t.Errorf("expected floor clamp, got %v", w)
	}
	if w := tr.WeightOf("high"); w != 1.0 {
		t.Errorf("expected ceiling clamp, got %v", w)
	}
}
