// Package config resolves the coordinator configuration with the precedence
// defaults < YAML file < environment < flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/isopool/isopool/internal/balancer"
	"github.com/isopool/isopool/internal/registry"
)

// ValidationError reports a bad configuration value. Configuration errors
// surface at construction and are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// Config holds the coordinator configuration.
type Config struct {
	Port        int    `yaml:"port"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	Strategy            string        `yaml:"strategy"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	EnableFailover      bool          `yaml:"enable_failover"`
	BasePort            int           `yaml:"base_port"`

	// WorkerCommand, when set, makes the supervisor spawn one worker process
	// per node. When empty the coordinator only dials already-running workers.
	WorkerCommand string `yaml:"worker_command"`

	// Nodes is the initial static pool deployed on startup.
	Nodes []registry.Descriptor `yaml:"nodes"`

	// RedisAddr, when set, persists deployment status in Redis so external
	// monitors can read it out-of-process.
	RedisAddr string `yaml:"redis_addr"`

	AllowedOrigins []string `yaml:"allowed_origins"`
	ConfigFile     string   `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.Strategy == "" {
		c.Strategy = string(balancer.RoundRobin)
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.BasePort == 0 {
		c.BasePort = 9000
	}
	c.EnableFailover = true
}

// LoadFile overlays values from a YAML file onto c.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CONFIG_FILE"); v != "" {
		c.ConfigFile = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := os.Getenv("STRATEGY"); v != "" {
		c.Strategy = v
	}
	if v := os.Getenv("HEALTH_CHECK_INTERVAL"); v != "" {
		if d, err := parseDurationOrMillis(v); err == nil {
			c.HealthCheckInterval = d
		}
	}
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		if d, err := parseDurationOrMillis(v); err == nil {
			c.RequestTimeout = d
		}
	}
	if v := os.Getenv("ENABLE_FAILOVER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.EnableFailover = b
		}
	}
	if v := os.Getenv("BASE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BasePort = n
		}
	}
	if v := os.Getenv("WORKER_COMMAND"); v != "" {
		c.WorkerCommand = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
}

// BindFlagsFromCurrent binds command line flags using the current config
// values as defaults.
func (c *Config) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "coordinator config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the coordinator API")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	flag.StringVar(&c.Strategy, "strategy", c.Strategy, "node selection strategy (round-robin, least-connections, random, weighted-random)")
	flag.DurationVar(&c.HealthCheckInterval, "health-check-interval", c.HealthCheckInterval, "interval between liveness probe sweeps")
	flag.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "per-request timeout handed to the worker transport")
	flag.BoolVar(&c.EnableFailover, "enable-failover", c.EnableFailover, "reroute failed requests to another healthy node")
	flag.IntVar(&c.BasePort, "base-port", c.BasePort, "base port for nodes added by scaling")
	flag.StringVar(&c.WorkerCommand, "worker-command", c.WorkerCommand, "command spawned for each node; empty to dial running workers")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for deployment status")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// Validate checks the recognized option ranges and the initial node entries.
func (c *Config) Validate() error {
	if _, err := balancer.ParseStrategy(c.Strategy); err != nil {
		return &ValidationError{Field: "strategy", Reason: err.Error()}
	}
	if c.HealthCheckInterval <= 0 {
		return &ValidationError{Field: "health_check_interval", Reason: "must be greater than zero"}
	}
	if c.RequestTimeout <= 0 {
		return &ValidationError{Field: "request_timeout", Reason: "must be greater than zero"}
	}
	if c.BasePort < 1 || c.BasePort > 65535 {
		return &ValidationError{Field: "base_port", Reason: fmt.Sprintf("%d out of range 1-65535", c.BasePort)}
	}
	seen := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if err := n.Validate(); err != nil {
			return &ValidationError{Field: fmt.Sprintf("nodes[%d]", i), Reason: err.Error()}
		}
		if seen[n.ID] {
			return &ValidationError{Field: fmt.Sprintf("nodes[%d]", i), Reason: fmt.Sprintf("duplicate node id %q", n.ID)}
		}
		seen[n.ID] = true
	}
	return nil
}

// parseDurationOrMillis accepts either a Go duration string or a bare
// millisecond count.
func parseDurationOrMillis(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func splitComma(v string) []string {
	parts := strings.Split(v, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			res = append(res, s)
		}
	}
	return res
}
