package engine

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the engine tunables. It is supplied once to New and never
// mutated afterwards.
type Config struct {
	// TargetLatency is the request latency the batch-size controller
	// steers towards.
	TargetLatency time.Duration `yaml:"target_latency" validate:"gt=0"`
	// LatencyTolerance is the band around TargetLatency inside which the
	// batch size is left alone.
	LatencyTolerance time.Duration `yaml:"latency_tolerance" validate:"gte=0,ltfield=TargetLatency"`
	// RequestTimeout bounds a single request. Failed requests without a
	// response are charged this amount.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gtfield=TargetLatency"`

	MinDelay     time.Duration `yaml:"min_delay" validate:"gt=0"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gtfield=MinDelay"`
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gtefield=MinDelay,ltefield=MaxDelay"`
	DelayStep    time.Duration `yaml:"delay_step" validate:"gt=0"`

	InitialBatchSize int `yaml:"initial_batch_size" validate:"gte=1"`
	MaxBatchSize     int `yaml:"max_batch_size" validate:"gtefield=InitialBatchSize"`
	// GrowthThreshold is the batch size from which LargeIncrement is used
	// instead of SmallIncrement.
	GrowthThreshold int `yaml:"growth_threshold" validate:"gte=1"`
	SmallIncrement  int `yaml:"small_increment" validate:"gte=1"`
	LargeIncrement  int `yaml:"large_increment" validate:"gte=1"`
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		TargetLatency:    1500 * time.Millisecond,
		LatencyTolerance: 100 * time.Millisecond,
		RequestTimeout:   3 * time.Second,
		MinDelay:         100 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		InitialDelay:     500 * time.Millisecond,
		DelayStep:        500 * time.Millisecond,
		InitialBatchSize: 1000,
		MaxBatchSize:     10000,
		GrowthThreshold:  500,
		SmallIncrement:   50,
		LargeIncrement:   100,
	}
}

var validate = validator.New()

// Validate reports whether the tunables are internally consistent.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// InitialState returns the engine state at start-up.
func (c Config) InitialState() State {
	return State{
		BatchSize: c.InitialBatchSize,
		Delay:     c.InitialDelay,
	}
}
