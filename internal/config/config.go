// Package config loads the process configuration: a YAML file with
// environment-variable overrides.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Identity  IdentityConfig  `yaml:"identity"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	AdminAPI  AdminAPIConfig  `yaml:"admin_api"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	AuditLog  AuditLogConfig  `yaml:"audit_log"`
}

// ServerConfig describes the backend listener this process accepts peer
// and client connections on.
type ServerConfig struct {
	Env             string `yaml:"env"`
	Interface       string `yaml:"interface"`
	Port            int    `yaml:"port"`
	ClientPort      int    `yaml:"client_port"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig names the database this process serves.
type DatabaseConfig struct {
	Name       string `yaml:"name"`
	DataDir    string `yaml:"data_dir"`
	Version    string `yaml:"version"`
	MinVersion string `yaml:"min_version"`
}

// SeedServer is one statically-configured peer to dial at startup.
type SeedServer struct {
	UUID    string `yaml:"uuid"`
	Address string `yaml:"address"`
	Port    uint16 `yaml:"port"`
	Pool    uint16 `yaml:"pool"`
}

// ClusterConfig holds this server's identity and pool, the seed peers, and
// promise-timeout and drain settings. The lifecycle supervisor does not read
// the drain settings; it always drains with 3s ticks for at most 40 ticks.
type ClusterConfig struct {
	UUID              string       `yaml:"uuid"`
	Pool              uint16       `yaml:"pool"`
	PromiseTimeoutSec int          `yaml:"promise_timeout_sec"`
	DrainTickSec      int          `yaml:"drain_tick_sec"`
	DrainMaxTicks     int          `yaml:"drain_max_ticks"`
	Seeds             []SeedServer `yaml:"seeds"`
}

// IdentityConfig configures SPIFFE-based backend mTLS.
type IdentityConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SocketPath    string `yaml:"socket_path"`
	TrustDomain   string `yaml:"trust_domain"`
	AllowedSuffix string `yaml:"allowed_suffix"`
}

// AuthConfig configures client credential verification.
type AuthConfig struct {
	BcryptCost int `yaml:"bcrypt_cost"`
}

// TelemetryConfig configures Prometheus metrics exposure.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// AdminAPIConfig configures the HTTP introspection/events surface.
type AdminAPIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// PubSubConfig configures Redis-backed cross-process flag broadcast.
type PubSubConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// AuditLogConfig configures the Postgres-backed topology audit log.
type AuditLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide config singleton, loading it on first call.
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil {
			slog.Debug("config: no .env file found, continuing with process env")
		}

		cfg, err := Load(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides layers process-env values over whatever the YAML file
// set, so a container can override individual fields without a new file.
func (c *Config) applyEnvOverrides() {
	c.Server.Env = getEnv("SIRIDB_ENV", c.Server.Env)
	c.Server.Interface = getEnv("SIRIDB_INTERFACE", c.Server.Interface)
	if v := getEnvInt("SIRIDB_PORT", 0); v > 0 {
		c.Server.Port = v
	}
	if v := getEnvInt("SIRIDB_CLIENT_PORT", 0); v > 0 {
		c.Server.ClientPort = v
	}
	if v := getEnvInt("SIRIDB_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	c.Database.Name = getEnv("SIRIDB_DBNAME", c.Database.Name)
	c.Database.DataDir = getEnv("SIRIDB_DATA_DIR", c.Database.DataDir)

	c.Cluster.UUID = getEnv("SIRIDB_UUID", c.Cluster.UUID)
	if v := getEnvInt("SIRIDB_PROMISE_TIMEOUT_SEC", 0); v > 0 {
		c.Cluster.PromiseTimeoutSec = v
	}

	c.Identity.TrustDomain = getEnv("SIRIDB_TRUST_DOMAIN", c.Identity.TrustDomain)
	c.Identity.SocketPath = getEnv("SIRIDB_SPIFFE_SOCKET", c.Identity.SocketPath)

	c.Telemetry.Addr = getEnv("SIRIDB_METRICS_ADDR", c.Telemetry.Addr)
	c.AdminAPI.Addr = getEnv("SIRIDB_ADMIN_ADDR", c.AdminAPI.Addr)

	c.PubSub.Addr = getEnv("SIRIDB_REDIS_ADDR", c.PubSub.Addr)
	c.AuditLog.DSN = getEnv("SIRIDB_AUDIT_DSN", c.AuditLog.DSN)
}

// applyDefaults fills zero-valued ports, timeouts, versions, drain settings,
// bcrypt cost, listen addresses and the pub/sub channel with operating
// defaults; other fields are left as they are.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 9010
	}
	if c.Server.ClientPort == 0 {
		c.Server.ClientPort = 9000
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if c.Database.Version == "" {
		c.Database.Version = "2.0.0"
	}
	if c.Database.MinVersion == "" {
		c.Database.MinVersion = "2.0.0"
	}
	if c.Cluster.PromiseTimeoutSec == 0 {
		c.Cluster.PromiseTimeoutSec = 30
	}
	if c.Cluster.DrainTickSec == 0 {
		c.Cluster.DrainTickSec = 3
	}
	if c.Cluster.DrainMaxTicks == 0 {
		c.Cluster.DrainMaxTicks = 40
	}
	if c.Auth.BcryptCost == 0 {
		c.Auth.BcryptCost = 12
	}
	if c.Telemetry.Addr == "" {
		c.Telemetry.Addr = ":9100"
	}
	if c.AdminAPI.Addr == "" {
		c.AdminAPI.Addr = ":9020"
	}
	if c.PubSub.Channel == "" {
		c.PubSub.Channel = "siridb:flags"
	}
}

// PromiseTimeout returns the configured promise timeout as a duration.
func (c *Config) PromiseTimeout() time.Duration {
	return time.Duration(c.Cluster.PromiseTimeoutSec) * time.Second
}

// DrainTick returns the configured drain tick period as a duration.
func (c *Config) DrainTick() time.Duration {
	return time.Duration(c.Cluster.DrainTickSec) * time.Second
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
