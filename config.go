package traitable

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the tunables of a Runtime. It is usually decoded from YAML:
//
//	who: billing-service
//	session:
//	  graph: true
//	  debug: false
//	load_concurrency: 8
//	save_attempts: 3
type Config struct {
	// Who is the acting identity recorded in history entries of new sessions.
	Who string `yaml:"who"`
	// Session is the base execution context pushed on every new session.
	Session SessionConfig `yaml:"session"`
	// LoadConcurrency bounds the concurrent store reads of LoadMany.
	LoadConcurrency int `yaml:"load_concurrency"`
	// SaveAttempts bounds how many times a save retries past history entries
	// that block its revision before giving up.
	SaveAttempts int `yaml:"save_attempts"`
}

// SessionConfig sets base flags; an absent flag is left Unspecified.
type SessionConfig struct {
	Graph   *bool `yaml:"graph"`
	Debug   *bool `yaml:"debug"`
	Convert *bool `yaml:"convert"`
}

// Flags returns the base context described by c.
func (c SessionConfig) Flags() Flags {
	return Flags{Graph: mode(c.Graph), Debug: mode(c.Debug), Convert: mode(c.Convert)}
}

func mode(b *bool) Mode {
	switch {
	case b == nil:
		return Unspecified
	case *b:
		return On
	default:
		return Off
	}
}

// DefaultConfig returns the configuration used when none is given. Its session
// flags are all unspecified, hence off.
func DefaultConfig() Config {
	return Config{
		Who:             "system",
		LoadConcurrency: 8,
		SaveAttempts:    3,
	}
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// Validate reports every invalid field of c.
func (c Config) Validate() error {
	var errs []error
	if c.LoadConcurrency < 1 {
		errs = append(errs, fmt.Errorf("load_concurrency must be positive, got %d", c.LoadConcurrency))
	}
	if c.SaveAttempts < 1 {
		errs = append(errs, fmt.Errorf("save_attempts must be positive, got %d", c.SaveAttempts))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
