package journal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestJournal(t *testing.T) (*FileJournal, string) {
	t.Helper()
	dir := t.TempDir()
	j, err := NewFileJournal(dir)
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	if err := j.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return j, dir
}

func TestAppendAndReplay(t *testing.T) {
	j, _ := newTestJournal(t)
	defer j.Stop()

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for i, p := range payloads {
		seq, err := j.Append(KindEvidence, p)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if seq != uint64(i) {
			t.Errorf("expected seq %d, got %d", i, seq)
		}
	}
	if err := j.FlushAndSync(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var got []string
	err := j.Replay(func(e *Entry) error {
		if e.Kind != KindEvidence {
			t.Errorf("unexpected kind %d", e.Kind)
		}
		got = append(got, string(e.Data))
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 3 || got[0] != "one" || got[2] != "three" {
		t.Errorf("unexpected replay result: %v", got)
	}
}

func TestSeqRecoveryAfterRestart(t *testing.T) {
	j, dir := newTestJournal(t)
	for i := 0; i < 5; i++ {
		if _, err := j.AppendSync(KindAuditStep, []byte{byte(i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	j2, err := NewFileJournal(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := j2.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer j2.Stop()

	if j2.NextSeq() != 5 {
		t.Errorf("expected next seq 5 after restart, got %d", j2.NextSeq())
	}

	seq, err := j2.Append(KindAuditStep, []byte("after"))
	if err != nil {
		t.Fatalf("append after restart: %v", err)
	}
	if seq != 5 {
		t.Errorf("expected seq 5, got %d", seq)
	}
}

func TestCorruptionDetected(t *testing.T) {
	j, dir := newTestJournal(t)
	if _, err := j.AppendSync(KindEvidence, []byte("intact entry payload")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Flip one payload byte.
	path := filepath.Join(dir, "journal-00000")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	data[10] ^= 0xFF
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	j2, err := NewFileJournal(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := j2.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer j2.Stop()

	err = j2.Replay(func(e *Entry) error { return nil })
	if !errors.Is(err, ErrCorrupted) {
		t.Errorf("expected ErrCorrupted, got %v", err)
	}
}

func TestSegmentRotation(t *testing.T) {
	dir := t.TempDir()
	j, err := NewFileJournalWithOptions(dir, 64) // tiny segments
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	if err := j.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 20; i++ {
		if _, err := j.Append(KindEvidence, []byte("some payload that exceeds the tiny segment")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := j.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if segs := findSegments(dir); len(segs) < 2 {
		t.Errorf("expected multiple segments, got %d", len(segs))
	}

	// All entries must survive rotation.
	j2, _ := NewFileJournal(dir)
	if err := j2.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer j2.Stop()

	count := 0
	if err := j2.Replay(func(e *Entry) error {
		if e.Seq != uint64(count) {
			t.Errorf("out of order: expected seq %d, got %d", count, e.Seq)
		}
		count++
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != 20 {
		t.Errorf("expected 20 entries, got %d", count)
	}
}

func TestAppendOnClosedJournal(t *testing.T) {
	j, _ := newTestJournal(t)
	if err := j.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := j.Append(KindEvidence, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
