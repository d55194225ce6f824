// Package config loads the YAML configuration shared by the server and the
// agent, then applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"collabtext/internal/logger"
)

// Config is the full configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Persist   PersistConfig   `yaml:"persist"`
	Relay     RelayConfig     `yaml:"relay"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Agent     AgentConfig     `yaml:"agent"`
	Log       logger.Config   `yaml:"log"`
}

// ServerConfig configures the collab server listeners and limits.
type ServerConfig struct {
	Addr               string `yaml:"addr"`
	HTTPAddr           string `yaml:"http_addr"`
	Workers            int    `yaml:"workers"`
	MaxFrameBytes      int    `yaml:"max_frame_bytes"`
	MaxBlobBytes       int    `yaml:"max_blob_bytes"`
	SnapshotBatchBytes int    `yaml:"snapshot_batch_bytes"`
	SendQueue          int    `yaml:"send_queue"`
	TLSCert            string `yaml:"tls_cert"`
	TLSKey             string `yaml:"tls_key"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // postgres, sqlite, bolt, memory
	DSN    string `yaml:"dsn"`
}

// PersistConfig drives the coalescer.
type PersistConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// RelayConfig enables cross-node fan-out. An empty RedisAddr disables it.
type RelayConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	ChannelPrefix string `yaml:"channel_prefix"`
	Node          string `yaml:"node"`
}

// DiscoveryConfig controls mDNS.
type DiscoveryConfig struct {
	Enabled bool          `yaml:"enabled"`
	Service string        `yaml:"service"`
	Domain  string        `yaml:"domain"`
	Timeout time.Duration `yaml:"timeout"`
}

// AgentConfig configures the replica agent.
type AgentConfig struct {
	ServerAddr string `yaml:"server_addr"`
	Listen     string `yaml:"listen"`
	UIDir      string `yaml:"ui_dir"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	File       string `yaml:"file"`
	TLS        bool   `yaml:"tls"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               ":1500",
			HTTPAddr:           ":8081",
			Workers:            runtime.NumCPU(),
			MaxFrameBytes:      64 << 20,
			MaxBlobBytes:       16 << 20,
			SnapshotBatchBytes: 32 << 10,
			SendQueue:          256,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "collabtext.db",
		},
		Persist: PersistConfig{Interval: 5 * time.Second},
		Relay:   RelayConfig{ChannelPrefix: "collabtext:file:"},
		Discovery: DiscoveryConfig{
			Service: "_collabtext._tcp",
			Domain:  "local.",
			Timeout: 5 * time.Second,
		},
		Agent: AgentConfig{
			Listen: ":8080",
			UIDir:  "./ui",
		},
		Log: logger.Config{Level: "info", Format: "text"},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Addr = getEnv("COLLAB_ADDR", c.Server.Addr)
	c.Server.HTTPAddr = getEnv("COLLAB_HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.TLSCert = getEnv("COLLAB_TLS_CERT", c.Server.TLSCert)
	c.Server.TLSKey = getEnv("COLLAB_TLS_KEY", c.Server.TLSKey)
	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	if dsn, ok := os.LookupEnv("DATABASE_URL"); ok && dsn != "" {
		c.Store.DSN = dsn
		if _, set := os.LookupEnv("STORE_DRIVER"); !set {
			c.Store.Driver = "postgres"
		}
	}
	c.Relay.RedisAddr = getEnv("REDIS_ADDR", c.Relay.RedisAddr)
	c.Relay.Node = getEnv("COLLAB_NODE", c.Relay.Node)
	c.Agent.ServerAddr = getEnv("COLLAB_SERVER", c.Agent.ServerAddr)
	c.Agent.Username = getEnv("COLLAB_USER", c.Agent.Username)
	c.Agent.Password = getEnv("COLLAB_PASSWORD", c.Agent.Password)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	var err error
	if c.Server.Workers, err = getEnvInt("COLLAB_WORKERS", c.Server.Workers); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("PERSIST_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PERSIST_INTERVAL: %w", err)
		}
		c.Persist.Interval = d
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string
	if c.Server.Addr == "" {
		errs = append(errs, "server.addr cannot be empty")
	}
	if c.Server.Workers <= 0 {
		errs = append(errs, "server.workers must be greater than 0")
	}
	if c.Server.MaxFrameBytes <= 0 || c.Server.MaxBlobBytes <= 0 {
		errs = append(errs, "server.max_frame_bytes and server.max_blob_bytes must be greater than 0")
	}
	if c.Server.SnapshotBatchBytes <= 0 {
		errs = append(errs, "server.snapshot_batch_bytes must be greater than 0")
	}
	if c.Server.SendQueue <= 0 {
		errs = append(errs, "server.send_queue must be greater than 0")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, "server.tls_cert and server.tls_key must be set together")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite", "bolt":
		if c.Store.DSN == "" {
			errs = append(errs, "store.dsn cannot be empty for driver "+c.Store.Driver)
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of postgres, sqlite, bolt, memory", c.Store.Driver))
	}
	if c.Persist.Interval <= 0 {
		errs = append(errs, "persist.interval must be greater than 0")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
