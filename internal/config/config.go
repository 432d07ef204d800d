package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Event publisher kinds
const (
	EventsNone  = "none"
	EventsLog   = "log"
	EventsKafka = "kafka"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Jenkins  JenkinsConfig  `yaml:"jenkins"`
	Runner   RunnerConfig   `yaml:"runner"`
	Events   EventsConfig   `yaml:"events"`
	API      APIConfig      `yaml:"api"`
}

// ServerConfig represents the server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"` // Empty slice means allow all origins
	MaxBodySize    int64    `yaml:"max_body_size"`   // Maximum request body size in bytes (default: 1MB)
	MaxRuns        int      `yaml:"max_runs"`        // Finished runs kept in memory (default: 500)
}

// DatabaseConfig represents the database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// JenkinsConfig represents the Jenkins configuration
type JenkinsConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"` // Jenkins username (optional, defaults to token if not provided)
	Token    string `yaml:"token"`
	Timeout  int    `yaml:"timeout"` // Request timeout in seconds (default: 30)
}

const (
	defaultQueueTimeout = 60
	defaultBuildTimeout = 600
)

// RunnerConfig controls how job runs poll the CI server.
// An unset timeout gets its default; a timeout <= 0 means wait forever.
type RunnerConfig struct {
	PollInterval   int  `yaml:"poll_interval"` // milliseconds (default: 500)
	QueueTimeout   *int `yaml:"queue_timeout"` // seconds (default: 60)
	BuildTimeout   *int `yaml:"build_timeout"` // seconds (default: 600)
	MonitorConsole bool `yaml:"monitor_console"`
}

// PollIntervalDuration returns the poll interval as a time.Duration
func (r RunnerConfig) PollIntervalDuration() time.Duration {
	return time.Duration(r.PollInterval) * time.Millisecond
}

// QueueTimeoutDuration returns the queue timeout as a time.Duration
func (r RunnerConfig) QueueTimeoutDuration() time.Duration {
	return seconds(r.QueueTimeout, defaultQueueTimeout)
}

// BuildTimeoutDuration returns the build timeout as a time.Duration
func (r RunnerConfig) BuildTimeoutDuration() time.Duration {
	return seconds(r.BuildTimeout, defaultBuildTimeout)
}

func seconds(v *int, def int) time.Duration {
	if v == nil {
		return time.Duration(def) * time.Second
	}
	return time.Duration(*v) * time.Second
}

// EventsConfig selects where run events are published
type EventsConfig struct {
	Kind    string   `yaml:"kind"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// APIConfig represents the API configuration
type APIConfig struct {
	Keys []string `yaml:"keys"`
}

// Load loads the configuration from the given file path
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // Trusted file path input
	if err != nil {
		return nil, err
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filePath, err)
	}

	applyEnvVars(config)
	setDefaults(config)

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// FromEnv builds a configuration from environment variables only
func FromEnv() (*Config, error) {
	config := &Config{}
	applyEnvVars(config)
	setDefaults(config)
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ValidateForServe checks the settings only the HTTP server needs
func (c *Config) ValidateForServe() error {
	if len(c.API.Keys) == 0 {
		return fmt.Errorf("at least one api.key is required")
	}
	for i, key := range c.API.Keys {
		if key == "" {
			return fmt.Errorf("api.keys[%d] cannot be empty", i)
		}
	}
	return nil
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envIntPtr(key string, dst **int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = &n
		}
	}
}

func intPtr(n int) *int { return &n }

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvVars applies environment variables to the configuration
func applyEnvVars(config *Config) {
	envInt("BUILDRUNNER_SERVER_PORT", &config.Server.Port)
	envString("BUILDRUNNER_SERVER_HOST", &config.Server.Host)
	envString("BUILDRUNNER_DATABASE_PATH", &config.Database.Path)

	envString("BUILDRUNNER_JENKINS_URL", &config.Jenkins.URL)
	envString("BUILDRUNNER_JENKINS_USERNAME", &config.Jenkins.Username)
	envString("BUILDRUNNER_JENKINS_TOKEN", &config.Jenkins.Token)
	if timeout := os.Getenv("BUILDRUNNER_JENKINS_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil && t > 0 {
			config.Jenkins.Timeout = t
		}
	}

	envInt("BUILDRUNNER_POLL_INTERVAL", &config.Runner.PollInterval)
	envIntPtr("BUILDRUNNER_QUEUE_TIMEOUT", &config.Runner.QueueTimeout)
	envIntPtr("BUILDRUNNER_BUILD_TIMEOUT", &config.Runner.BuildTimeout)
	if monitor := os.Getenv("BUILDRUNNER_MONITOR_CONSOLE"); monitor != "" {
		if b, err := strconv.ParseBool(monitor); err == nil {
			config.Runner.MonitorConsole = b
		}
	}

	envString("BUILDRUNNER_EVENTS_KIND", &config.Events.Kind)
	envString("BUILDRUNNER_EVENTS_TOPIC", &config.Events.Topic)
	if brokers := os.Getenv("BUILDRUNNER_EVENTS_BROKERS"); brokers != "" {
		config.Events.Brokers = strings.Split(brokers, ",")
	}

	if keys := os.Getenv("BUILDRUNNER_API_KEYS"); keys != "" {
		config.API.Keys = strings.Split(keys, ",")
	}
}

// setDefaults sets default values for the configuration
func setDefaults(config *Config) {
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.MaxBodySize == 0 {
		config.Server.MaxBodySize = 1 << 20 // 1MB
	}
	if config.Server.MaxRuns == 0 {
		config.Server.MaxRuns = 500
	}

	if config.Database.Path == "" {
		config.Database.Path = "./buildrunner.db"
	}

	if config.Jenkins.Timeout == 0 {
		config.Jenkins.Timeout = 30
	}
	if config.Jenkins.Username == "" {
		// API token authentication accepts the token as the username
		config.Jenkins.Username = config.Jenkins.Token
	}

	if config.Runner.PollInterval == 0 {
		config.Runner.PollInterval = 500
	}
	if config.Runner.QueueTimeout == nil {
		config.Runner.QueueTimeout = intPtr(defaultQueueTimeout)
	}
	if config.Runner.BuildTimeout == nil {
		config.Runner.BuildTimeout = intPtr(defaultBuildTimeout)
	}

	if config.Events.Kind == "" {
		config.Events.Kind = EventsNone
	}
	if config.Events.Topic == "" {
		config.Events.Topic = "buildrunner.runs"
	}
}

// GetLogLevel returns the log level from the environment
func GetLogLevel() string {
	levelStr := os.Getenv("BUILDRUNNER_LOG_LEVEL")
	switch levelStr {
	case "debug", "info", "warn", "error":
		return levelStr
	default:
		return "info"
	}
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be between 1 and 65535)", cfg.Server.Port)
	}
	if cfg.Server.MaxBodySize < 0 {
		return fmt.Errorf("invalid server.max_body_size: %d (must be non-negative)", cfg.Server.MaxBodySize)
	}
	if cfg.Server.MaxBodySize > 100<<20 {
		return fmt.Errorf("invalid server.max_body_size: %d (must be less than 100MB)", cfg.Server.MaxBodySize)
	}
	if cfg.Server.MaxRuns < 0 {
		return fmt.Errorf("invalid server.max_runs: %d (must be non-negative)", cfg.Server.MaxRuns)
	}

	if cfg.Jenkins.URL == "" {
		return fmt.Errorf("jenkins.url is required")
	}
	u, err := url.Parse(cfg.Jenkins.URL)
	if err != nil {
		return fmt.Errorf("invalid jenkins.url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid jenkins.url: scheme must be http or https")
	}
	if cfg.Jenkins.Token == "" {
		return fmt.Errorf("jenkins.token is required")
	}

	if cfg.Runner.PollInterval < 0 {
		return fmt.Errorf("invalid runner.poll_interval: %d (must be positive)", cfg.Runner.PollInterval)
	}

	switch cfg.Events.Kind {
	case EventsNone, EventsLog:
	case EventsKafka:
		if len(cfg.Events.Brokers) == 0 {
			return fmt.Errorf("events.brokers is required for kafka events")
		}
	default:
		return fmt.Errorf("invalid events.kind: %q", cfg.Events.Kind)
	}

	return nil
}
