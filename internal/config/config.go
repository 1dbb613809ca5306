// Package config loads the optional YAML file that tunes the measurement pipeline
// and the default result sinks.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/vitals/internal/rppg"
)

// Config represents the complete vitals configuration
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Worker   WorkerConfig   `yaml:"worker"`
	NATS     NATSConfig     `yaml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// PipelineConfig contains the signal processing settings
type PipelineConfig struct {
	Window     Duration `yaml:"window"`       // measurement window, e.g. "10s"
	BandLowHz  float64  `yaml:"band_low_hz"`  // lowest accepted pulse frequency
	BandHighHz float64  `yaml:"band_high_hz"` // highest accepted pulse frequency
	Channel    int      `yaml:"channel"`      // BGR channel index, 2 = red
	Taper      bool     `yaml:"taper"`        // Hann window before the FFT
}

// WorkerConfig contains landmark worker settings
type WorkerConfig struct {
	Command []string `yaml:"command"`
	Engines int      `yaml:"engines"`
	Timeout Duration `yaml:"timeout"`
}

// NATSConfig contains NATS publishing settings
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"` // "%s" is replaced with the session ID
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// Duration is a time.Duration that unmarshals from strings such as "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	core := rppg.DefaultConfig()
	return &Config{
		Pipeline: PipelineConfig{
			Window:     Duration(core.Window),
			BandLowHz:  core.Band.Low,
			BandHighHz: core.Band.High,
			Channel:    core.Channel,
			Taper:      core.Taper,
		},
		Worker: WorkerConfig{
			Engines: 1,
			Timeout: Duration(30 * time.Second),
		},
		NATS: NATSConfig{
			Subject: "vitals.hr",
		},
		MQTT: MQTTConfig{
			Topic:    "vitals/%s/hr",
			ClientID: "vitals",
		},
	}
}

// Load reads and parses a YAML configuration file. Keys missing from the
// file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration can start a measurement.
func Validate(cfg *Config) error {
	if err := cfg.RPPG().Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if cfg.Worker.Engines < 1 {
		return fmt.Errorf("worker.engines must be >= 1, got %d", cfg.Worker.Engines)
	}
	if cfg.Worker.Timeout < 0 {
		return fmt.Errorf("worker.timeout must not be negative")
	}
	if cfg.NATS.URL != "" && cfg.NATS.Subject == "" {
		return fmt.Errorf("nats.subject is required when nats.url is set")
	}
	if cfg.MQTT.Broker != "" && cfg.MQTT.Topic == "" {
		return fmt.Errorf("mqtt.topic is required when mqtt.broker is set")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	return nil
}

// RPPG converts the pipeline section into a session configuration.
func (c *Config) RPPG() rppg.Config {
	return rppg.Config{
		Window:  time.Duration(c.Pipeline.Window),
		Band:    rppg.Band{Low: c.Pipeline.BandLowHz, High: c.Pipeline.BandHighHz},
		Channel: c.Pipeline.Channel,
		Taper:   c.Pipeline.Taper,
	}
}
