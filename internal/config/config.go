package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Providers  []ProviderConfig `json:"providers"`
	Simulation SimulationConfig `json:"simulation"`
	Database   DatabaseConfig   `json:"database"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

type SimulationConfig struct {
	DataDir      string      `json:"data_dir"`
	PromptsDir   string      `json:"prompts_dir"`
	TurnInterval Duration    `json:"turn_interval"` // zero disables the clock
	ClockSpeed   float64     `json:"clock_speed"`
	GMModel      string      `json:"gm_model"`
	NPCModel     string      `json:"npc_model"`
	GMProvider   string      `json:"gm_provider"`
	NPCProvider  string      `json:"npc_provider"`
	QueryTimeout Duration    `json:"query_timeout"`
	MaxTokens    int         `json:"max_tokens"`
	Temperature  float64     `json:"temperature"`
	MaxParallel  int         `json:"max_parallel"`
	Decay        DecayConfig `json:"decay"`
	Scripted     bool        `json:"scripted"` // answer every query offline with a canned reply
}

type DecayConfig struct {
	SentimentHalfLife float64 `json:"sentiment_half_life"`
	BondRate          float64 `json:"bond_rate"`
}

type DatabaseConfig struct {
	Backend       string         `json:"backend"` // file, postgres or sqlite
	MigrationsDir string         `json:"migrations_dir"`
	SeedFromFiles bool           `json:"seed_from_files"` // copy data_dir characters into a SQL backend at startup
	Postgres      PostgresConfig `json:"postgres"`
	SQLite        SQLiteConfig   `json:"sqlite"`
	Neo4j         Neo4jConfig    `json:"neo4j"`
	Redis         RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
}

// Duration is a time.Duration written as a Go duration string ("30s") or as nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == "" {
			*d = 0
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", b)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Simulation.DataDir == "" {
		c.Simulation.DataDir = "data"
	}
	if c.Simulation.ClockSpeed == 0 {
		c.Simulation.ClockSpeed = 1
	}
	if c.Simulation.QueryTimeout == 0 {
		c.Simulation.QueryTimeout = Duration(2 * time.Minute)
	}
	if c.Database.Backend == "" {
		c.Database.Backend = "file"
	}
	if c.Database.MigrationsDir == "" {
		c.Database.MigrationsDir = "migrations"
	}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case "file", "sqlite":
	case "postgres":
		if c.Database.Postgres.DSN == "" {
			return fmt.Errorf("database.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown database.backend %q", c.Database.Backend)
	}
	if c.Simulation.MaxParallel < 0 {
		return fmt.Errorf("simulation.max_parallel must not be negative")
	}
	if !c.Simulation.Scripted && len(c.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}
	return nil
}
