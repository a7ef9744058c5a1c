package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad hub scheme", func(c *Config) { c.Hub.URL = "http://host/ws" }},
		{"missing hub host", func(c *Config) { c.Hub.URL = "ws://" }},
		{"bad backend scheme", func(c *Config) { c.Backend.URL = "ftp://host" }},
		{"zero backoff", func(c *Config) { c.Hub.InitialBackoffMs = 0 }},
		{"max below initial", func(c *Config) { c.Hub.MaxBackoffMs = 1; c.Hub.InitialBackoffMs = 100 }},
		{"zero queue", func(c *Config) { c.Hub.SendQueueSize = 0 }},
		{"bad listen", func(c *Config) { c.Hub.Listen = "nohostport" }},
		{"zero debounce", func(c *Config) { c.Chat.SeenDebounceMs = 0 }},
		{"page size too big", func(c *Config) { c.Chat.HistoryPageSize = 1000 }},
		{"bad stun scheme", func(c *Config) { c.Call.STUNServers = []string{"udp:host"} }},
		{"zero capture timeout", func(c *Config) { c.Call.CaptureTimeoutSec = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linkup.json")

	cfg := Default()
	cfg.Identity.ID = "alice"
	cfg.Identity.Display = "Alice"
	cfg.Hub.URL = "ws://example.com:9000/ws"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Identity.ID != "alice" || got.Hub.URL != "ws://example.com:9000/ws" {
		t.Errorf("roundtrip lost fields: %+v", got)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linkup.json")
	if err := os.WriteFile(path, []byte(`{"identity":{"id":"bob"}}`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Identity.ID != "bob" {
		t.Errorf("Identity.ID = %q, want bob", cfg.Identity.ID)
	}
	if cfg.Hub.SendQueueSize != Default().Hub.SendQueueSize {
		t.Errorf("missing fields not defaulted: %+v", cfg.Hub)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linkup.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"id":"bob"}}`)...)
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load with BOM: %v", err)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linkup.json")
	if err := os.WriteFile(path, []byte(`{"hub":{"url":"http://wrong"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid hub url")
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linkup.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Error("expected created=true on first call")
	}
	if cfg.Hub.URL != Default().Hub.URL {
		t.Errorf("unexpected config: %+v", cfg)
	}

	_, created, err = Ensure(path)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if created {
		t.Error("expected created=false on second call")
	}
}
