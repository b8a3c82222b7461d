package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "npcworld.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("NPCWORLD_TEST_KEY", "sk-test")
	path := writeConfig(t, `{
		"providers": [{"id": "main", "type": "openai", "api_key": "${NPCWORLD_TEST_KEY}", "endpoint": "${NPCWORLD_TEST_UNSET:http://localhost:11434/v1}"}],
		"simulation": {"turn_interval": "45s", "query_timeout": 5000000000, "max_parallel": 4},
		"database": {"backend": "sqlite", "sqlite": {"path": "w.db"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.Providers[0]
	if p.APIKey != "sk-test" {
		t.Fatalf("got api key %q, want sk-test", p.APIKey)
	}
	if p.Endpoint != "http://localhost:11434/v1" {
		t.Fatalf("got endpoint %q, want default", p.Endpoint)
	}
	if cfg.Simulation.TurnInterval.Std() != 45*time.Second {
		t.Fatalf("got interval %v, want 45s", cfg.Simulation.TurnInterval.Std())
	}
	if cfg.Simulation.QueryTimeout.Std() != 5*time.Second {
		t.Fatalf("got timeout %v, want 5s", cfg.Simulation.QueryTimeout.Std())
	}
	if cfg.Server.Port != 3210 || cfg.Simulation.DataDir != "data" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"postgres without dsn": `{"simulation": {"scripted": true}, "database": {"backend": "postgres"}}`,
		"unknown backend":      `{"simulation": {"scripted": true}, "database": {"backend": "etcd"}}`,
		"no providers":         `{}`,
		"bad duration":         `{"simulation": {"scripted": true, "turn_interval": "soon"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("got %v, want read error", err)
	}
}

func TestLoadShippedConfig(t *testing.T) {
	for _, k := range []string{"NPCWORLD_BACKEND", "NPCWORLD_SCRIPTED", "NPCWORLD_DATA"} {
		t.Setenv(k, "")
	}
	cfg, err := Load("../../configs/npcworld.json")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Backend != "file" {
		t.Errorf("backend = %q, want file", cfg.Database.Backend)
	}
	if cfg.Simulation.Scripted {
		t.Error("scripted should default to false")
	}
	if cfg.Simulation.DataDir != "data" {
		t.Errorf("data dir = %q", cfg.Simulation.DataDir)
	}
	if cfg.Simulation.QueryTimeout.Std() != 2*time.Minute {
		t.Errorf("query timeout = %v", cfg.Simulation.QueryTimeout.Std())
	}
	if len(cfg.Providers) != 2 {
		t.Errorf("providers = %d, want 2", len(cfg.Providers))
	}
}
