package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.IDBase != 6_942_067 {
		t.Fatalf("id_base: got=%d", cfg.IDBase)
	}
	if cfg.Timeouts.RegistrationMS != 60000 || cfg.Timeouts.PriorityRegistrationMS != 30000 {
		t.Fatalf("timeouts: got=%+v", cfg.Timeouts)
	}
	if cfg.Threading.PollingIntervalMS != 16 {
		t.Fatalf("polling interval: got=%d", cfg.Threading.PollingIntervalMS)
	}
	if cfg.APServer.Port != 38281 || !cfg.APServer.AutoReconnect {
		t.Fatalf("ap_server: got=%+v", cfg.APServer)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Timeouts.ConnectionMS != 30000 {
		t.Fatalf("got=%+v", cfg.Timeouts)
	}
}

func TestLoad_PartialJSONKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	doc := `{
		"game_name": "MyGame",
		"timeouts": {"registration_ms": 1234},
		"ap_server": {"slot_name": "Player1"}
	}`
	if err := os.WriteFile(filepath.Join(dir, "options.json"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GameName != "MyGame" {
		t.Fatalf("game_name: got=%q", cfg.GameName)
	}
	if cfg.Timeouts.RegistrationMS != 1234 {
		t.Fatalf("override lost: got=%d", cfg.Timeouts.RegistrationMS)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Timeouts.ConnectionMS != 30000 {
		t.Fatalf("default lost: got=%d", cfg.Timeouts.ConnectionMS)
	}
	if cfg.APServer.SlotName != "Player1" || cfg.APServer.Port != 38281 {
		t.Fatalf("ap_server: got=%+v", cfg.APServer)
	}
}

func TestLoad_YAMLFallback(t *testing.T) {
	dir := t.TempDir()
	doc := "game_name: YamlGame\nthreading:\n  polling_interval_ms: 32\n"
	if err := os.WriteFile(filepath.Join(dir, "options.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GameName != "YamlGame" || cfg.Threading.PollingIntervalMS != 32 {
		t.Fatalf("yaml load: got=%+v", cfg)
	}
}

func TestLoad_MalformedFallsBackEntirely(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "options.json"), []byte(`{broken`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(dir)
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if cfg.IDBase != Defaults().IDBase || cfg.Timeouts.RegistrationMS != 60000 {
		t.Fatalf("expected defaults on malformed file, got=%+v", cfg)
	}
}
