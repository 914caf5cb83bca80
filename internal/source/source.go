// Package source contains the frame producers that feed the ingestion
// queue. Each source reads a vehicle bus and emits one already-encoded
// JSON record per frame.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownSource     = errors.New("unknown source")
	ErrUnsupportedSource = errors.New("source not supported on this platform")
)

// Sink receives encoded frames. Enqueue must not block.
type Sink interface {
	Enqueue(frame []byte)
}

// Source produces frames until ctx is cancelled or the bus fails.
type Source interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// Options selects and configures a source.
type Options struct {
	Kind         string
	VehicleID    string
	CANInterface string
	SerialPath   string
	SerialBaud   int
}

// New builds the source named by opts.Kind.
func New(opts Options) (Source, error) {
	switch opts.Kind {
	case "can":
		return NewCAN(opts.CANInterface, opts.VehicleID), nil
	case "mavlink":
		return NewMAVLink(opts.SerialPath, opts.SerialBaud, opts.VehicleID), nil
	case "stdin":
		return NewStdin(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, opts.Kind)
	}
}

// readPollInterval bounds how long a blocking bus read may delay
// noticing cancellation.
const readPollInterval = 250 * time.Millisecond

// unixSeconds renders t as fractional seconds since the epoch, the
// time_recorded format the collector expects.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
