package conjunction

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

const (
	BackendDJ  = "dj"
	BackendBFV = "bfv"
)

// Config holds the settings of a Service. Every field can be set from the
// environment.
type Config struct {
	Backend string `env:"CONJUNCTION_BACKEND" envDefault:"dj"`
	Parties int    `env:"CONJUNCTION_PARTIES" envDefault:"3"`
	KeyBits int    `env:"CONJUNCTION_KEY_BITS" envDefault:"512"`

	AnalysisWorkers     int    `env:"CONJUNCTION_ANALYSIS_WORKERS" envDefault:"4"`
	DistanceDivisor     uint64 `env:"CONJUNCTION_DISTANCE_DIVISOR" envDefault:"1000"`
	TimeWindowThreshold uint64 `env:"CONJUNCTION_TIME_WINDOW_THRESHOLD" envDefault:"100"`

	AllowDelegatedSubmission bool `env:"CONJUNCTION_ALLOW_DELEGATED_SUBMISSION"`
	AllowConcurrentRequests  bool `env:"CONJUNCTION_ALLOW_CONCURRENT_REQUESTS"`

	// DatabasePath selects the SQLite store; empty keeps everything in memory.
	DatabasePath string `env:"CONJUNCTION_DB_PATH"`
	NATSURL      string `env:"CONJUNCTION_NATS_URL"`
	NATSPrefix   string `env:"CONJUNCTION_NATS_PREFIX" envDefault:"conjunction"`
	LogLevel     string `env:"CONJUNCTION_LOG_LEVEL" envDefault:"info"`
	// EventHistory is how many recent events the in-process broadcaster keeps.
	EventHistory int `env:"CONJUNCTION_EVENT_HISTORY" envDefault:"1024"`

	Logger *logrus.Logger
}

// DefaultConfig is the configuration with every default applied and no
// environment consulted.
func DefaultConfig() Config {
	return Config{
		Backend:             BackendDJ,
		Parties:             3,
		KeyBits:             512,
		AnalysisWorkers:     4,
		DistanceDivisor:     1000,
		TimeWindowThreshold: 100,
		NATSPrefix:          "conjunction",
		LogLevel:            "info",
		EventHistory:        DefaultEventHistory,
	}
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Backend != BackendDJ && c.Backend != BackendBFV {
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Parties < 1 || c.Parties > 255 {
		return fmt.Errorf("committee size %d out of range", c.Parties)
	}
	if c.DistanceDivisor == 0 {
		return fmt.Errorf("distance divisor must be positive")
	}
	if c.EventHistory < 0 {
		return fmt.Errorf("event history %d is negative", c.EventHistory)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// NewLogger builds a logger at the configured level.
func (c Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	return logger, nil
}
