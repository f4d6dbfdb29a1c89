package scheduler

import (
	"fmt"
	"time"

	"github.com/sushant-115/gojosched/pkg/workerpool"
)

const (
	DefaultThreadLimit     = 20
	DefaultShutdownTimeout = 30 * time.Second
)

// Config holds the scheduler configuration.
type Config struct {
	// ThreadLimit bounds how many transactions run at the same time.
	ThreadLimit int `yaml:"thread_limit"`
	// ShutdownTimeout bounds how long Close waits for in-flight transactions.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		ThreadLimit:     DefaultThreadLimit,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.ThreadLimit <= 0 {
		return fmt.Errorf("%w: %d", workerpool.ErrInvalidThreadLimit, c.ThreadLimit)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown timeout must not be negative: %s", c.ShutdownTimeout)
	}
	return nil
}
