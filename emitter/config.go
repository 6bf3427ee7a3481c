package emitter

import (
	"fmt"
	"time"
)

// InterruptPolicy selects what a run does when a pause is interrupted
type InterruptPolicy string

const (
	// InterruptContinue logs the interruption and finishes the run
	InterruptContinue InterruptPolicy = "continue"
	// InterruptAbort stops the run and returns ErrInterrupted
	InterruptAbort InterruptPolicy = "abort"
)

const (
	DefaultCount         = 10
	DefaultBaseID        = "1010101"
	DefaultPauseEvery    = 3
	DefaultPauseInterval = time.Second
)

// Config describes a single emission run
type Config struct {
	Exchange      string
	RoutingKey    string
	Count         int
	BaseID        string
	PauseEvery    int // pause after index i when i%PauseEvery == 0; 0 disables pausing
	PauseInterval time.Duration
	OnInterrupt   InterruptPolicy
}

// DefaultConfig returns the stock ten-message run for the given destination
func DefaultConfig(exchange, routingKey string) Config {
	return Config{
		Exchange:      exchange,
		RoutingKey:    routingKey,
		Count:         DefaultCount,
		BaseID:        DefaultBaseID,
		PauseEvery:    DefaultPauseEvery,
		PauseInterval: DefaultPauseInterval,
		OnInterrupt:   InterruptContinue,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Exchange == "" {
		return fmt.Errorf("%w: exchange is required", ErrInvalidConfig)
	}
	if c.Count < 0 {
		return fmt.Errorf("%w: count must not be negative", ErrInvalidConfig)
	}
	if c.PauseEvery < 0 {
		return fmt.Errorf("%w: pause frequency must not be negative", ErrInvalidConfig)
	}
	if c.PauseInterval < 0 {
		return fmt.Errorf("%w: pause interval must not be negative", ErrInvalidConfig)
	}
	switch c.OnInterrupt {
	case InterruptContinue, InterruptAbort:
	default:
		return fmt.Errorf("%w: unknown interrupt policy %q", ErrInvalidConfig, c.OnInterrupt)
	}
	return nil
}

// shouldPause reports whether the message at index i is followed by a pause
func (c Config) shouldPause(i int) bool {
	return c.PauseEvery > 0 && c.PauseInterval > 0 && i%c.PauseEvery == 0
}
