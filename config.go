package taskmill

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/viant/afs"
	"gopkg.in/yaml.v3"

	"github.com/taskmill/taskmill/service/supervisor"
)

// Config is a serialisable representation of the runtime configuration. It
// can be populated from JSON or YAML. The zero-value is useful – all nested
// fields inherit their package defaults.
type Config struct {
	Supervisor SupervisorConfig `json:"supervisor" yaml:"supervisor"`

	// QueueBaseURL is the directory (or afs URL) the shared filesystem
	// queues live under; empty selects a fresh run-scoped directory under
	// the system temp dir
	QueueBaseURL string `json:"queueBaseURL" yaml:"queueBaseURL"`
}

// SupervisorConfig mirrors supervisor.Config for serialisation
type SupervisorConfig struct {
	MinWorkers        int      `json:"minWorkers" yaml:"minWorkers"`
	MaxWorkers        int      `json:"maxWorkers" yaml:"maxWorkers"`
	WorkerConcurrency int      `json:"workerConcurrency" yaml:"workerConcurrency"`
	MonitorInterval   Duration `json:"monitorInterval" yaml:"monitorInterval"`
	ShutdownGrace     Duration `json:"shutdownGrace" yaml:"shutdownGrace"`
	CollectTimeout    Duration `json:"collectTimeout" yaml:"collectTimeout"`
	SpawnOnSubmit     *bool    `json:"spawnOnSubmit" yaml:"spawnOnSubmit"`
}

// Duration decodes Go duration strings ("2s", "150ms") from YAML and JSON
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// DefaultConfig returns a Config populated with the package defaults.
// Callers may modify the returned struct before passing it to New.
func DefaultConfig() *Config {
	defaults := supervisor.DefaultConfig()
	spawnOnSubmit := defaults.SpawnOnSubmit
	return &Config{
		Supervisor: SupervisorConfig{
			MinWorkers:        defaults.MinWorkers,
			MaxWorkers:        defaults.MaxWorkers,
			WorkerConcurrency: defaults.WorkerConcurrency,
			MonitorInterval:   Duration(defaults.MonitorInterval),
			ShutdownGrace:     Duration(defaults.ShutdownGrace),
			CollectTimeout:    Duration(defaults.CollectTimeout),
			SpawnOnSubmit:     &spawnOnSubmit,
		},
	}
}

// Validate returns aggregated error describing invalid settings or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.Supervisor.MinWorkers < 0 {
		return fmt.Errorf("supervisor.minWorkers must be >= 0")
	}
	if c.Supervisor.MaxWorkers != 0 && c.Supervisor.MaxWorkers < c.Supervisor.MinWorkers {
		return fmt.Errorf("supervisor.maxWorkers must be >= supervisor.minWorkers")
	}
	if c.Supervisor.WorkerConcurrency < 0 {
		return fmt.Errorf("supervisor.workerConcurrency must be >= 0")
	}
	return nil
}

// supervisorConfig converts to the supervisor package configuration,
// backfilling unset fields with defaults.
func (c *Config) supervisorConfig() supervisor.Config {
	result := supervisor.DefaultConfig()
	if c.Supervisor.MinWorkers > 0 {
		result.MinWorkers = c.Supervisor.MinWorkers
	}
	if c.Supervisor.MaxWorkers > 0 {
		result.MaxWorkers = c.Supervisor.MaxWorkers
	}
	if c.Supervisor.WorkerConcurrency > 0 {
		result.WorkerConcurrency = c.Supervisor.WorkerConcurrency
	}
	if c.Supervisor.MonitorInterval > 0 {
		result.MonitorInterval = time.Duration(c.Supervisor.MonitorInterval)
	}
	if c.Supervisor.ShutdownGrace > 0 {
		result.ShutdownGrace = time.Duration(c.Supervisor.ShutdownGrace)
	}
	if c.Supervisor.CollectTimeout > 0 {
		result.CollectTimeout = time.Duration(c.Supervisor.CollectTimeout)
	}
	if c.Supervisor.SpawnOnSubmit != nil {
		result.SpawnOnSubmit = *c.Supervisor.SpawnOnSubmit
	}
	return result
}

// LoadConfig downloads a YAML config document from the supplied URL (file
// path, s3://, gs:// – anything the afs service understands) and decodes it.
func LoadConfig(ctx context.Context, URL string) (*Config, error) {
	fileService := afs.New()
	data, err := fileService.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("failed to download config %s: %w", URL, err)
	}
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", URL, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
