package session

import (
	"path/filepath"
	"testing"

	"apframework.dev/internal/logging"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "session_state.json"), logging.Nop())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session_state.json")

	s := NewStore(path, logging.Nop())
	s.SetIdentity("Game", "Player1")
	s.SetChecksum("abc123")
	s.SetServerInfo("ap.example.org", 12345)
	s.SetReceivedItemIndex(7)
	s.AddCheckedLocation(1000)
	s.AddCheckedLocation(1002)
	s.SetProgressionCount(2000, 3)
	s.IncrementProgressionCount(2001)
	s.Touch()
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	want := s.Snapshot()

	loaded := NewStore(path, logging.Nop())
	ok, err := loaded.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected state file to load")
	}
	got := loaded.Snapshot()
	if got.Checksum != want.Checksum || got.SlotName != want.SlotName ||
		got.GameName != want.GameName || got.ReceivedItemIndex != want.ReceivedItemIndex ||
		got.Server != want.Server || got.Port != want.Port {
		t.Fatalf("round trip: got=%+v want=%+v", got, want)
	}
	if len(got.CheckedLocations) != 2 || got.CheckedLocations[0] != 1000 || got.CheckedLocations[1] != 1002 {
		t.Fatalf("checked locations: got=%v", got.CheckedLocations)
	}
	if got.ProgressionCounts["2000"] != 3 || got.ProgressionCounts["2001"] != 1 {
		t.Fatalf("progression counts: got=%v", got.ProgressionCounts)
	}
	if got.LastActive != want.LastActive {
		t.Fatalf("last_active: got=%d want=%d", got.LastActive, want.LastActive)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	s := newStore(t)
	ok, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected no state file")
	}
}

func TestValidateChecksum(t *testing.T) {
	s := newStore(t)
	// Empty stored checksum means first run.
	if !s.ValidateChecksum("anything") {
		t.Fatalf("first run should validate")
	}
	s.SetChecksum("X")
	if s.ValidateChecksum("Y") {
		t.Fatalf("mismatch should fail")
	}
	if !s.ValidateChecksum("X") {
		t.Fatalf("match should validate")
	}
}

func TestSetCheckedLocationsOverwrites(t *testing.T) {
	s := newStore(t)
	s.AddCheckedLocation(1)
	s.AddCheckedLocation(2)
	s.SetCheckedLocations([]int64{7, 8, 9})
	if s.IsLocationChecked(1) {
		t.Fatalf("old location survived overwrite")
	}
	if !s.IsLocationChecked(8) {
		t.Fatalf("new location missing")
	}
	if got := s.CheckedLocationCount(); got != 3 {
		t.Fatalf("count: got=%d want=3", got)
	}
}

func TestIncrementReceivedItemIndex(t *testing.T) {
	s := newStore(t)
	if got := s.IncrementReceivedItemIndex(); got != 1 {
		t.Fatalf("first increment: got=%d", got)
	}
	if got := s.IncrementReceivedItemIndex(); got != 2 {
		t.Fatalf("second increment: got=%d", got)
	}
	if got := s.ReceivedItemIndex(); got != 2 {
		t.Fatalf("read: got=%d", got)
	}
}
