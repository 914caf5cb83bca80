package agent

import "errors"

var (
	ErrInvalidOptions      = errors.New("invalid agent options")
	ErrConfigFile          = errors.New("failed to load config file")
	ErrVehicleIDUnresolved = errors.New("vehicle id not set and could not be derived")
	ErrSourceFailed        = errors.New("frame source failed")
	ErrMetricsServer       = errors.New("metrics server failed")
)
