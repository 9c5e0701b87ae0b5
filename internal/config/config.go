package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"siphon/internal/logging"
)

const SupportedSchema = "v1"

// TopicConfig is one subscribed channel. Name must carry one of the two
// admissible prefixes: /data/ (change stream) or /event/ (custom event).
type TopicConfig struct {
	Name      string `koanf:"name" yaml:"name"`
	Start     string `koanf:"start" yaml:"start"`           // earliest|latest; empty = replay_default
	BatchSize int    `koanf:"batch_size" yaml:"batch_size"` // 0 = top-level batch_size
}

type AuthConfig struct {
	LoginURL       string `koanf:"login_url"`
	ClientID       string `koanf:"client_id"`
	Username       string `koanf:"username"`
	Audience       string `koanf:"audience"`
	PrivateKeyPath string `koanf:"private_key_path"`
}

type PubSubConfig struct {
	Driver       string        `koanf:"driver"` // grpc|kafka|mock
	Endpoint     string        `koanf:"endpoint"`
	TLS          bool          `koanf:"tls_enabled"`
	CallTimeout  time.Duration `koanf:"call_timeout"`
	Brokers      []string      `koanf:"brokers"`
	KafkaVersion string        `koanf:"kafka_version"`
	IdleWindow   time.Duration `koanf:"idle_window"`
	FixtureDir   string        `koanf:"fixture_dir"`
}

type SinkConfig struct {
	Driver string `koanf:"driver"` // sqlite|postgres
	Dir    string `koanf:"dir"`
	DSN    string `koanf:"dsn"`
}

type UploadConfig struct {
	Enabled          bool   `koanf:"enabled"`
	ConnectionString string `koanf:"connection_string"`
	Container        string `koanf:"container"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

type Config struct {
	SchemaVersion string        `koanf:"schema_version"`
	Topics        []TopicConfig `koanf:"topics"`
	TopicsFile    string        `koanf:"topics_file"`

	ReplayDefault string        `koanf:"replay_default"` // first-run preset: earliest|latest
	BatchSize     int           `koanf:"batch_size"`     // events per fetch request
	MaxEvents     int           `koanf:"max_events"`     // per-topic cap per batch cycle
	FetchInterval time.Duration `koanf:"fetch_interval"` // continuous-mode re-fetch pacing
	JoinTimeout   time.Duration `koanf:"join_timeout"`   // worker join bound on shutdown
	DBDir         string        `koanf:"db_dir"`
	SchemaDir     string        `koanf:"schema_dir"` // file-based schema fetch (mock runs)
	MetricsPort   int           `koanf:"metrics_port"`

	Log    LogConfig    `koanf:"log"`
	Auth   AuthConfig   `koanf:"auth"`
	PubSub PubSubConfig `koanf:"pubsub"`
	Sink   SinkConfig   `koanf:"sink"`
	Upload UploadConfig `koanf:"upload"`
}

// Load merges YAML (if present) with env vars (prefix `SIPHON__`,
// delimiter `__`), validates schema_version, and resolves the topics
// file relative to the config file.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return Config{}, fmt.Errorf("config schema_version %q not supported (want %q)", sv, SupportedSchema)
	}

	_ = k.Load(env.Provider("SIPHON__", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "SIPHON__")), "__", ".")
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	if cfg.TopicsFile != "" {
		tf := cfg.TopicsFile
		if !filepath.IsAbs(tf) && path != "" {
			tf = filepath.Join(filepath.Dir(path), tf)
		}
		topics, err := loadTopicsFile(tf)
		if err != nil {
			return cfg, err
		}
		cfg.Topics = append(cfg.Topics, topics...)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadTopicsFile reads a standalone topics YAML:
//
//	topics:
//	  - name: /event/Delete_Logs__e
//	    start: earliest
func loadTopicsFile(path string) ([]TopicConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topics file: %w", err)
	}
	var doc struct {
		Topics []TopicConfig `yaml:"topics"`
	}
	if err := yamlv3.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("topics file %s: %w", path, err)
	}
	return doc.Topics, nil
}

func applyDefaults(c *Config) {
	if c.ReplayDefault == "" {
		c.ReplayDefault = "earliest"
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = 1000
	}
	if c.FetchInterval == 0 {
		c.FetchInterval = 30 * time.Second
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.DBDir == "" {
		c.DBDir = "data"
	}
	if c.PubSub.Driver == "" {
		c.PubSub.Driver = "grpc"
	}
	if c.Sink.Driver == "" {
		c.Sink.Driver = "sqlite"
	}
	if c.Sink.Dir == "" {
		c.Sink.Dir = c.DBDir
	}
	if c.Upload.Container == "" {
		c.Upload.Container = "events"
	}
}

func validate(c *Config) error {
	if len(c.Topics) == 0 {
		return fmt.Errorf("no topics configured")
	}
	seen := map[string]bool{}
	for _, t := range c.Topics {
		if t.Name == "" {
			return fmt.Errorf("topic with empty name")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate topic %s", t.Name)
		}
		seen[t.Name] = true
		if !strings.HasPrefix(t.Name, "/event/") && !strings.HasPrefix(t.Name, "/data/") {
			logging.L().Warn("topic does not start with /event/ or /data/", "topic", t.Name)
		}
	}
	return nil
}
