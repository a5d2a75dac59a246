package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config struct to hold the configuration settings for both binaries. The
// core sections are ignored by the node process and vice versa.
type Config struct {
	Postgres      PostgresConfig      `yaml:"postgres"`
	NATS          NATSConfig          `yaml:"nats"`
	HTTP          HTTPConfig          `yaml:"http"`
	Core          CoreConfig          `yaml:"core"`
	Node          NodeConfig          `yaml:"node"`
	Voice         VoiceConfig         `yaml:"voice"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// PostgresConfig holds Postgres configuration.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// NATSConfig holds NATS configuration. An empty URL disables the fanout
// bridge and the gateway runs in single-process mode.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// HTTPConfig holds the listener configuration.
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// CoreConfig holds settings for the core directory/identity process.
type CoreConfig struct {
	Issuer         string        `yaml:"issuer"`
	SigningKeyPath string        `yaml:"signing_key_path"`
	MembershipTTL  time.Duration `yaml:"membership_ttl"`
	SessionSecret  string        `yaml:"session_secret"`
}

// NodeConfig holds settings for a tenant server node.
type NodeConfig struct {
	// ServerID is this node's external identity; membership tokens are
	// accepted only when their audience matches it.
	ServerID   string `yaml:"server_id"`
	CoreJWKS   string `yaml:"core_jwks_url"`
	CoreIssuer string `yaml:"core_issuer"`
}

// VoiceConfig holds SFU engine configuration.
type VoiceConfig struct {
	ICEServers []string `yaml:"ice_servers"`
}

// ObservabilityConfig holds configuration for observability components.
type ObservabilityConfig struct {
	MetricsAddress string `yaml:"metrics_address"`
	Environment    string `yaml:"environment"`
}

// LoadConfig loads the configuration from a YAML file, falling back to
// environment variables when the file is absent. Env vars override file
// values either way.
func LoadConfig(filename string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(filename)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Core.MembershipTTL == 0 {
		cfg.Core.MembershipTTL = 10 * time.Minute
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.HTTP.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("CORE_ISSUER"); v != "" {
		cfg.Core.Issuer = v
	}
	if v := os.Getenv("CORE_SIGNING_KEY_PATH"); v != "" {
		cfg.Core.SigningKeyPath = v
	}
	if v := os.Getenv("CORE_SESSION_SECRET"); v != "" {
		cfg.Core.SessionSecret = v
	}
	if v := os.Getenv("MEMBERSHIP_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Core.MembershipTTL = d
		}
	}
	if v := os.Getenv("NODE_SERVER_ID"); v != "" {
		cfg.Node.ServerID = v
	}
	if v := os.Getenv("CORE_JWKS_URL"); v != "" {
		cfg.Node.CoreJWKS = v
	}
	if v := os.Getenv("NODE_CORE_ISSUER"); v != "" {
		cfg.Node.CoreIssuer = v
	}
	if v := os.Getenv("ICE_SERVERS"); v != "" {
		cfg.Voice.ICEServers = strings.Split(v, ",")
	}
	if v := os.Getenv("METRICS_ADDRESS"); v != "" {
		cfg.Observability.MetricsAddress = v
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Observability.Environment = v
	}
}
