package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "siphon.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
schema_version: v1
replay_default: latest
batch_size: 50
max_events: 500
fetch_interval: 15s
db_dir: /var/lib/siphon
topics:
  - name: /event/Delete_Logs__e
    start: earliest
    batch_size: 25
  - name: /data/AccountChangeEvent
pubsub:
  driver: grpc
  endpoint: api.pubsub.example.com:7443
  tls_enabled: true
sink:
  driver: sqlite
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReplayDefault != "latest" || cfg.BatchSize != 50 || cfg.MaxEvents != 500 {
		t.Fatalf("unexpected top-level values: %+v", cfg)
	}
	if cfg.FetchInterval != 15*time.Second {
		t.Fatalf("fetch_interval: %v", cfg.FetchInterval)
	}
	if len(cfg.Topics) != 2 {
		t.Fatalf("want 2 topics, got %d", len(cfg.Topics))
	}
	if cfg.Topics[0].Start != "earliest" || cfg.Topics[0].BatchSize != 25 {
		t.Fatalf("topic override lost: %+v", cfg.Topics[0])
	}
	if !cfg.PubSub.TLS || cfg.PubSub.Endpoint != "api.pubsub.example.com:7443" {
		t.Fatalf("pubsub section: %+v", cfg.PubSub)
	}
	// Untouched knobs fall back to defaults.
	if cfg.JoinTimeout != 10*time.Second || cfg.Sink.Dir != "/var/lib/siphon" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoad_DefaultsWhenSparse(t *testing.T) {
	path := writeConfig(t, `
schema_version: v1
topics:
  - name: /event/Foo__e
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReplayDefault != "earliest" {
		t.Fatalf("want earliest default, got %q", cfg.ReplayDefault)
	}
	if cfg.BatchSize != 100 || cfg.MaxEvents != 1000 {
		t.Fatalf("batch defaults: %+v", cfg)
	}
	if cfg.PubSub.Driver != "grpc" || cfg.Sink.Driver != "sqlite" {
		t.Fatalf("driver defaults: %+v", cfg)
	}
	if cfg.Sink.Dir != "data" || cfg.Upload.Container != "events" {
		t.Fatalf("dir defaults: %+v", cfg)
	}
}

func TestLoad_RejectsUnknownSchemaVersion(t *testing.T) {
	path := writeConfig(t, `
schema_version: v2
topics:
  - name: /event/Foo__e
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "schema_version") {
		t.Fatalf("want schema_version error, got %v", err)
	}
}

func TestLoad_RejectsDuplicateTopics(t *testing.T) {
	path := writeConfig(t, `
schema_version: v1
topics:
  - name: /event/Foo__e
  - name: /event/Foo__e
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("want duplicate topic error, got %v", err)
	}
}

func TestLoad_RequiresTopics(t *testing.T) {
	path := writeConfig(t, "schema_version: v1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("want error when no topics configured")
	}
}

func TestLoad_TopicsFileRelativeToConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "topics.yml"), []byte(`
topics:
  - name: /event/Delete_Logs__e
    start: earliest
  - name: /event/Audit__e
`), 0o644); err != nil {
		t.Fatalf("write topics file: %v", err)
	}
	path := filepath.Join(dir, "siphon.yml")
	if err := os.WriteFile(path, []byte("schema_version: v1\ntopics_file: topics.yml\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Topics) != 2 || cfg.Topics[0].Name != "/event/Delete_Logs__e" {
		t.Fatalf("topics file not merged: %+v", cfg.Topics)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
schema_version: v1
batch_size: 50
topics:
  - name: /event/Foo__e
`)
	t.Setenv("SIPHON__BATCH_SIZE", "7")
	t.Setenv("SIPHON__PUBSUB__ENDPOINT", "env.example.com:7443")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BatchSize != 7 {
		t.Fatalf("env override lost, batch_size=%d", cfg.BatchSize)
	}
	if cfg.PubSub.Endpoint != "env.example.com:7443" {
		t.Fatalf("nested env override lost: %q", cfg.PubSub.Endpoint)
	}
}

func TestLoad_MissingFileUsesEnvOnly(t *testing.T) {
	t.Setenv("SIPHON__TOPICS_FILE", "")
	path := filepath.Join(t.TempDir(), "absent.yml")
	if _, err := Load(path); err == nil {
		// No topics can come from anywhere, so validation must trip.
		t.Fatal("want validation error with no config sources")
	}
}
