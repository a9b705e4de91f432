package brother

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"

	"github.com/srediag/brother-shm/internal/logging"
	"github.com/srediag/brother-shm/pkg/launcher"
	"github.com/srediag/brother-shm/pkg/shm"
)

// EnvPrefix prefixes every configuration variable.
const EnvPrefix = "BROTHER"

// Config configures a Session. Every field can be set from the environment,
// e.g. BROTHER_PARTICIPANTS=3.
type Config struct {
	// Name of the shared region the primary creates. A unique name is
	// generated when empty.
	Name string `envconfig:"SHM_NAME"`
	// Participants is N, the number of processes meeting at the barrier.
	Participants int `envconfig:"PARTICIPANTS" default:"2"`
	// FD is the inherited region descriptor of a brother; set by the
	// launcher through BROTHER_SHM_FD.
	FD int `envconfig:"SHM_FD" default:"-1"`
	// Slot is the descriptor brothers receive the region on.
	Slot int `envconfig:"SLOT" default:"3"`

	LogLevel       string `envconfig:"LOG_LEVEL"`
	LogDevelopment bool   `envconfig:"LOG_DEV"`
	// MetricsAddr, when set, serves /metrics, /live and /ready.
	MetricsAddr string `envconfig:"METRICS_ADDR"`

	// AttachTimeout bounds opening a region by name.
	AttachTimeout time.Duration `envconfig:"ATTACH_TIMEOUT" default:"5s"`
	// ReapTimeout bounds waiting for brothers in Close before they are
	// killed.
	ReapTimeout time.Duration `envconfig:"REAP_TIMEOUT" default:"30s"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Name:          DefaultName(),
		Participants:  2,
		FD:            int(shm.NoHandle),
		Slot:          launcher.DefaultSlot,
		AttachTimeout: 5 * time.Second,
		ReapTimeout:   30 * time.Second,
	}
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultName returns a fresh region name.
func DefaultName() string {
	return "/brother-" + uuid.NewString()
}

// Validate checks the configuration for values no session can use.
func (c Config) Validate() error {
	if c.Participants < 1 {
		return fmt.Errorf("config: participants must be positive, got %d", c.Participants)
	}
	if c.Slot < 3 {
		return fmt.Errorf("config: slot %d collides with stdio", c.Slot)
	}
	if err := shm.ValidateName(c.Name); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Logging returns the logger configuration.
func (c Config) Logging() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = c.LogLevel
	lc.Development = c.LogDevelopment
	return lc
}
