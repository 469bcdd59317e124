package capability

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"apframework.dev/internal/logging"
	"apframework.dev/internal/manifest"
	"apframework.dev/internal/protocol"
)

func manifestA() manifest.Manifest {
	return manifest.Manifest{
		ModID:   "a",
		Name:    "a",
		Version: "1",
		Enabled: true,
		Locations: []manifest.Location{
			{Name: "L1", Amount: 2},
		},
		Items: []manifest.Item{
			{Name: "I1", Type: protocol.ItemFiller, Amount: 1},
		},
	}
}

func manifestB() manifest.Manifest {
	return manifest.Manifest{
		ModID:   "b",
		Name:    "b",
		Version: "1",
		Enabled: true,
		Locations: []manifest.Location{
			{Name: "L2", Amount: 1},
		},
		Items: []manifest.Item{
			{Name: "I2", Type: protocol.ItemFiller, Amount: 1},
		},
	}
}

func TestAssignIDs_TwoMods(t *testing.T) {
	tbl := NewTable(logging.Nop())
	tbl.Add(manifestA())
	tbl.Add(manifestB())
	tbl.AssignIDs(1000)

	wantLocs := []LocationOwnership{
		{ModID: "a", LocationName: "L1", Instance: 1, LocationID: 1000},
		{ModID: "a", LocationName: "L1", Instance: 2, LocationID: 1001},
		{ModID: "b", LocationName: "L2", Instance: 1, LocationID: 1002},
	}
	if got := tbl.Locations(); !reflect.DeepEqual(got, wantLocs) {
		t.Fatalf("locations: got=%+v want=%+v", got, wantLocs)
	}

	items := tbl.Items()
	if len(items) != 2 {
		t.Fatalf("items: got=%d want=2", len(items))
	}
	if items[0].ModID != "a" || items[0].ItemName != "I1" || items[0].ItemID != 1003 {
		t.Fatalf("item 0: got=%+v", items[0])
	}
	if items[1].ModID != "b" || items[1].ItemName != "I2" || items[1].ItemID != 1004 {
		t.Fatalf("item 1: got=%+v", items[1])
	}
}

func TestAssignIDs_OrderIndependentOfAddOrder(t *testing.T) {
	t1 := NewTable(logging.Nop())
	t1.Add(manifestA())
	t1.Add(manifestB())
	t1.AssignIDs(1000)

	t2 := NewTable(logging.Nop())
	t2.Add(manifestB())
	t2.Add(manifestA())
	t2.AssignIDs(1000)

	if !reflect.DeepEqual(t1.Locations(), t2.Locations()) {
		t.Fatalf("location assignment depends on add order")
	}
	if !reflect.DeepEqual(t1.Items(), t2.Items()) {
		t.Fatalf("item assignment depends on add order")
	}
}

func TestLookups(t *testing.T) {
	tbl := NewTable(logging.Nop())
	tbl.Add(manifestA())
	tbl.Add(manifestB())
	tbl.AssignIDs(1000)

	if got := tbl.LocationID("a", "L1", 2); got != 1001 {
		t.Fatalf("LocationID: got=%d want=1001", got)
	}
	if got := tbl.LocationID("a", "L1", 3); got != 0 {
		t.Fatalf("unknown instance: got=%d want=0", got)
	}
	if got := tbl.ItemID("b", "I2"); got != 1004 {
		t.Fatalf("ItemID: got=%d want=1004", got)
	}
	loc, ok := tbl.LocationByID(1002)
	if !ok || loc.ModID != "b" || loc.LocationName != "L2" {
		t.Fatalf("LocationByID: got=%+v ok=%v", loc, ok)
	}
	if _, ok := tbl.ItemByID(99); ok {
		t.Fatalf("unknown item id resolved")
	}
	if got := len(tbl.LocationsForMod("a")); got != 2 {
		t.Fatalf("LocationsForMod: got=%d want=2", got)
	}
}

func TestValidate_DuplicateItem(t *testing.T) {
	tbl := NewTable(logging.Nop())
	a := manifestA()
	a.Items = []manifest.Item{{Name: "Boots", Amount: 1}}
	b := manifestB()
	b.Items = []manifest.Item{{Name: "Boots", Amount: 1}}
	tbl.Add(a)
	tbl.Add(b)

	result := tbl.Validate()
	if result.OK {
		t.Fatalf("expected validation failure")
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("conflicts: got=%d want=1", len(result.Conflicts))
	}
	c := result.Conflicts[0]
	if c.Kind != ConflictItem || c.ModID1 != "a" || c.ModID2 != "b" {
		t.Fatalf("conflict: got=%+v", c)
	}
}

func TestValidate_DuplicateLocationInstance(t *testing.T) {
	tbl := NewTable(logging.Nop())
	a := manifestA()
	a.Locations = []manifest.Location{{Name: "Shared", Amount: 1}}
	b := manifestB()
	b.Locations = []manifest.Location{{Name: "Shared", Amount: 1}}
	tbl.Add(a)
	tbl.Add(b)

	result := tbl.Validate()
	if result.OK || result.Conflicts[0].Kind != ConflictLocation {
		t.Fatalf("expected location conflict, got=%+v", result)
	}
}

func TestValidate_Incompatibility(t *testing.T) {
	cases := []struct {
		name     string
		versions []string
		conflict bool
	}{
		{"empty matches any", nil, true},
		{"wildcard", []string{"*"}, true},
		{"exact", []string{"1"}, true},
		{"other version", []string{"2"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tbl := NewTable(logging.Nop())
			a := manifestA()
			a.Incompatibilities = []manifest.Incompatibility{{ModID: "b", Versions: tc.versions}}
			tbl.Add(a)
			tbl.Add(manifestB())

			result := tbl.Validate()
			if result.OK == tc.conflict {
				t.Fatalf("ok=%v, want conflict=%v", result.OK, tc.conflict)
			}
		})
	}
}

func TestChecksum_DeterministicAndOrderInsensitive(t *testing.T) {
	t1 := NewTable(logging.Nop())
	t1.Add(manifestA())
	t1.Add(manifestB())

	t2 := NewTable(logging.Nop())
	t2.Add(manifestB())
	t2.Add(manifestA())

	c1 := t1.Checksum("Game", "Slot")
	c2 := t2.Checksum("Game", "Slot")
	if c1 != c2 {
		t.Fatalf("checksum depends on add order: %s vs %s", c1, c2)
	}
	if len(c1) != 40 {
		t.Fatalf("checksum length: got=%d want=40", len(c1))
	}
	if c1 != t1.Checksum("Game", "Slot") {
		t.Fatalf("checksum not stable across calls")
	}
}

func TestChecksum_Sensitivity(t *testing.T) {
	base := func() *Table {
		tbl := NewTable(logging.Nop())
		tbl.Add(manifestA())
		tbl.Add(manifestB())
		return tbl
	}
	ref := base().Checksum("Game", "Slot")

	if got := base().Checksum("Game2", "Slot"); got == ref {
		t.Fatalf("checksum insensitive to game name")
	}
	if got := base().Checksum("Game", "Slot2"); got == ref {
		t.Fatalf("checksum insensitive to slot name")
	}

	verTable := NewTable(logging.Nop())
	a := manifestA()
	a.Version = "2"
	verTable.Add(a)
	verTable.Add(manifestB())
	if got := verTable.Checksum("Game", "Slot"); got == ref {
		t.Fatalf("checksum insensitive to mod version")
	}

	itemTable := NewTable(logging.Nop())
	a = manifestA()
	a.Items[0].Type = protocol.ItemProgression
	itemTable.Add(a)
	itemTable.Add(manifestB())
	if got := itemTable.Checksum("Game", "Slot"); got == ref {
		t.Fatalf("checksum insensitive to item type")
	}
}

func TestGenerateConfig(t *testing.T) {
	tbl := NewTable(logging.Nop())
	a := manifestA()
	a.Items[0].Amount = -1
	tbl.Add(a)
	tbl.Add(manifestB())
	tbl.AssignIDs(1000)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := tbl.GenerateConfig("Slot", "Game", now)

	if cfg.Version != ConfigVersion || cfg.Game != "Game" || cfg.SlotName != "Slot" {
		t.Fatalf("header: got=%+v", cfg)
	}
	if cfg.IDBase != 1000 {
		t.Fatalf("id_base: got=%d", cfg.IDBase)
	}
	if cfg.GeneratedAt != "2025-06-01T12:00:00Z" {
		t.Fatalf("generated_at: got=%q", cfg.GeneratedAt)
	}
	if len(cfg.Mods) != 2 || cfg.Mods[0].ModID != "a" || cfg.Mods[1].ModID != "b" {
		t.Fatalf("mods: got=%+v", cfg.Mods)
	}
	if len(cfg.Locations) != 3 || cfg.Locations[0].ID != 1000 {
		t.Fatalf("locations: got=%+v", cfg.Locations)
	}
	// The unbounded sentinel survives into the wire format.
	if cfg.Items[0].Count != -1 {
		t.Fatalf("count: got=%d want=-1", cfg.Items[0].Count)
	}
	if cfg.Checksum != tbl.Checksum("Game", "Slot") {
		t.Fatalf("config checksum differs from table checksum")
	}
}

func TestWriteConfig(t *testing.T) {
	tbl := NewTable(logging.Nop())
	tbl.Add(manifestA())
	tbl.AssignIDs(1000)

	dir := t.TempDir()
	path, err := tbl.WriteConfig(dir, "Player1", "Game", time.Now())
	if err != nil {
		t.Fatalf("write config: %v", err)
	}
	want := filepath.Join(dir, "output", "AP_Capabilities_Player1.json")
	if path != want {
		t.Fatalf("path: got=%q want=%q", path, want)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file: %v", err)
	}
}
