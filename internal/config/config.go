// Package config provides configuration loading and validation for a
// federate.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ThreadKindScheduled is a thread the host scheduler runs on a fixed
	// cycle.
	ThreadKindScheduled = "scheduled"

	// ThreadKindAsync is an asynchronous thread with no finish guarantee.
	ThreadKindAsync = "asynchronous"

	// ThreadKindMustFinish is an asynchronous thread guaranteed to finish
	// within its scheduler cycle.
	ThreadKindMustFinish = "asynchronous-must-finish"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// FederateName identifies this federate within the federation
	FederateName string `yaml:"federateName"`

	// Federation is the federation execution name
	// Defaults to "default" if not specified
	Federation string `yaml:"federation,omitempty"`

	// MainCycle is the main thread data cycle time in seconds
	MainCycle float64 `yaml:"mainCycle"`

	// ThreadCount is the total number of threads including the main thread
	// Defaults to 1 if not specified
	ThreadCount int `yaml:"threadCount,omitempty"`

	// DisabledThreads lists child thread IDs excluded from the data cycle
	// barrier
	DisabledThreads []int `yaml:"disabledThreads,omitempty"`

	// Threads lists the child thread associations
	Threads []ThreadConfig `yaml:"threads,omitempty"`

	// Objects lists the data-exchange objects and their thread pinnings
	Objects []ObjectConfig `yaml:"objects,omitempty"`

	// SyncPointLists declares the sync-point lists and their labels
	SyncPointLists []SyncPointListConfig `yaml:"syncPoints,omitempty"`

	// Wait tunes the blocking wait loops
	Wait *WaitConfig `yaml:"wait,omitempty"`

	// AchieveRetryInterval is how often a transiently failing achieve is
	// retried (e.g., "100ms")
	AchieveRetryInterval string `yaml:"achieveRetryInterval,omitempty"`

	// API configures the diagnostics HTTP server
	API *APIConfig `yaml:"api,omitempty"`

	// Telemetry configures metrics export
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// ThreadConfig associates one child thread with a data cycle
type ThreadConfig struct {
	// ID is the child thread identifier (the main thread is always 0)
	ID int `yaml:"id"`

	// Cycle is the thread's data cycle time in seconds; it must be a
	// positive integer multiple of mainCycle
	Cycle float64 `yaml:"cycle"`

	// Kind is how the host scheduler runs the thread
	// Defaults to "scheduled" if not specified
	Kind string `yaml:"kind,omitempty"`

	// SchedulerCycle is the cycle the host scheduler actually runs the
	// thread at, required to match Cycle for asynchronous-must-finish
	// threads. Defaults to Cycle.
	SchedulerCycle float64 `yaml:"schedulerCycle,omitempty"`
}

// ObjectConfig declares one data-exchange object
type ObjectConfig struct {
	// Name identifies the object in diagnostics
	Name string `yaml:"name"`

	// Thread is the child thread the object is pinned to; omit for the
	// main thread
	Thread int `yaml:"thread,omitempty"`
}

// SyncPointListConfig declares one sync-point list and its labels
type SyncPointListConfig struct {
	// List is the list's purpose name (e.g., "startup")
	List string `yaml:"list"`

	// Labels are the sync-point labels owned by the list, in order
	Labels []SyncPointConfig `yaml:"labels"`
}

// SyncPointConfig declares one sync point
type SyncPointConfig struct {
	// Label is the federation-wide sync-point name
	Label string `yaml:"label"`

	// Time is an optional logical timestamp in seconds for time-stamped
	// registration
	Time *float64 `yaml:"time,omitempty"`
}

// WaitConfig tunes the blocking wait loops. Every field is a duration
// string (e.g., "1ms", "10s"); empty fields keep the built-in defaults.
type WaitConfig struct {
	// PollInterval is the sleep between wait predicate checks
	PollInterval string `yaml:"pollInterval,omitempty"`

	// LivenessInterval is how often a blocked wait re-verifies execution
	// membership
	LivenessInterval string `yaml:"livenessInterval,omitempty"`

	// StatusInterval is how often a blocked wait logs a status snapshot
	StatusInterval string `yaml:"statusInterval,omitempty"`
}

// APIConfig configures the diagnostics HTTP server
type APIConfig struct {
	// Address is the listen address (e.g., ":8080")
	Address string `yaml:"address"`
}

// TelemetryConfig configures metrics export
type TelemetryConfig struct {
	// Enabled turns on the Prometheus /metrics endpoint
	Enabled bool `yaml:"enabled"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetFederation returns the federation execution name, using "default" if
// not specified
func (c *Config) GetFederation() string {
	if c.Federation == "" {
		return "default"
	}
	return c.Federation
}

// GetThreadCount returns the total thread count, using 1 if not specified
func (c *Config) GetThreadCount() int {
	if c.ThreadCount == 0 {
		return 1
	}
	return c.ThreadCount
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.FederateName == "" {
		return fmt.Errorf("federateName is required")
	}
	if c.MainCycle <= 0 {
		return fmt.Errorf("mainCycle must be positive, got %v", c.MainCycle)
	}
	if c.ThreadCount < 0 {
		return fmt.Errorf("threadCount cannot be negative, got %d", c.ThreadCount)
	}

	if err := c.validateThreads(); err != nil {
		return err
	}
	if err := c.validateObjects(); err != nil {
		return err
	}
	if err := c.validateSyncPoints(); err != nil {
		return err
	}

	if err := validateDuration(c.AchieveRetryInterval, "achieveRetryInterval"); err != nil {
		return err
	}
	if c.Wait != nil {
		if err := validateDuration(c.Wait.PollInterval, "wait.pollInterval"); err != nil {
			return err
		}
		if err := validateDuration(c.Wait.LivenessInterval, "wait.livenessInterval"); err != nil {
			return err
		}
		if err := validateDuration(c.Wait.StatusInterval, "wait.statusInterval"); err != nil {
			return err
		}
	}
	if c.API != nil && c.API.Address == "" {
		return fmt.Errorf("api.address is required when api is configured")
	}

	return nil
}

func (c *Config) validateThreads() error {
	threadCount := c.GetThreadCount()
	seen := make(map[int]bool)
	for i, th := range c.Threads {
		prefix := fmt.Sprintf("threads[%d]", i)
		if th.ID <= 0 || th.ID >= threadCount {
			return fmt.Errorf("%s: id %d must be a child thread ID in 1..%d", prefix, th.ID, threadCount-1)
		}
		if seen[th.ID] {
			return fmt.Errorf("%s: duplicate thread id %d", prefix, th.ID)
		}
		seen[th.ID] = true
		if th.Cycle <= 0 {
			return fmt.Errorf("%s: cycle must be positive, got %v", prefix, th.Cycle)
		}
		switch th.Kind {
		case "", ThreadKindScheduled, ThreadKindAsync, ThreadKindMustFinish:
		default:
			return fmt.Errorf("%s: unknown kind %q", prefix, th.Kind)
		}
	}
	for i, id := range c.DisabledThreads {
		if id <= 0 || id >= threadCount {
			return fmt.Errorf("disabledThreads[%d]: id %d must be a child thread ID in 1..%d", i, id, threadCount-1)
		}
	}
	return nil
}

func (c *Config) validateObjects() error {
	threadCount := c.GetThreadCount()
	seen := make(map[string]bool)
	for i, obj := range c.Objects {
		prefix := fmt.Sprintf("objects[%d]", i)
		if obj.Name == "" {
			return fmt.Errorf("%s: name is required", prefix)
		}
		if seen[obj.Name] {
			return fmt.Errorf("%s: duplicate object name %q", prefix, obj.Name)
		}
		seen[obj.Name] = true
		if obj.Thread < 0 || obj.Thread >= threadCount {
			return fmt.Errorf("%s: thread %d must be in 0..%d", prefix, obj.Thread, threadCount-1)
		}
	}
	return nil
}

func (c *Config) validateSyncPoints() error {
	listNames := make(map[string]bool)
	labels := make(map[string]bool)
	for i, list := range c.SyncPointLists {
		prefix := fmt.Sprintf("syncPoints[%d]", i)
		if list.List == "" {
			return fmt.Errorf("%s: list is required", prefix)
		}
		if listNames[list.List] {
			return fmt.Errorf("%s: duplicate list name %q", prefix, list.List)
		}
		listNames[list.List] = true
		for j, sp := range list.Labels {
			if sp.Label == "" {
				return fmt.Errorf("%s.labels[%d]: label is required", prefix, j)
			}
			// Labels rendezvous federation-wide, so they must be unique
			// across every list, not just within one.
			if labels[sp.Label] {
				return fmt.Errorf("%s.labels[%d]: duplicate label %q", prefix, j, sp.Label)
			}
			labels[sp.Label] = true
			if sp.Time != nil && *sp.Time < 0 {
				return fmt.Errorf("%s.labels[%d]: time cannot be negative", prefix, j)
			}
		}
	}
	return nil
}

func validateDuration(value, field string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", field, value)
	}
	if d <= 0 {
		return fmt.Errorf("%s: duration must be positive, got %q", field, value)
	}
	return nil
}

// Duration parses a validated duration field, returning fallback for an
// empty value.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
