package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/makinje/busrelay-agent/internal/engine"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const apiKeyEnv = "BUSRELAY_API_KEY"

type AgentOptions struct {
	Endpoint            string `yaml:"endpoint" validate:"required,url"`
	APIKey              string `yaml:"api_key" validate:"required"`
	RequireTLS          bool   `yaml:"require_tls"`
	SkipTLSVerification bool   `yaml:"skip_tls_verification"`

	// VehicleID is resolved from the host identity when empty.
	VehicleID string `yaml:"vehicle_id"`
	Encoding  string `yaml:"encoding" validate:"oneof=json gzip cbor protobuf"`

	Source       string `yaml:"source" validate:"oneof=can mavlink stdin"`
	CANInterface string `yaml:"can_interface" validate:"required_if=Source can"`
	SerialPath   string `yaml:"serial_path" validate:"required_if=Source mavlink"`
	SerialBaud   int    `yaml:"serial_baud" validate:"gte=0"`

	Engine engine.Config `yaml:"engine"`

	// JournalPath disables the transmission journal when empty.
	JournalPath      string `yaml:"journal_path"`
	JournalRetention int    `yaml:"journal_retention" validate:"gte=0"`

	// MetricsAddress disables the metrics endpoint when empty.
	MetricsAddress string        `yaml:"metrics_address" validate:"omitempty,hostname_port"`
	StatsInterval  time.Duration `yaml:"stats_interval" validate:"gte=0"`
	Debug          bool          `yaml:"debug"`
}

func DefaultAgentOptions() *AgentOptions {
	return &AgentOptions{
		Encoding:         "gzip",
		Source:           "can",
		CANInterface:     "vcan0",
		SerialPath:       "/dev/ttyUSB0",
		SerialBaud:       115200,
		Engine:           engine.DefaultConfig(),
		JournalRetention: 100000,
		StatsInterval:    30 * time.Second,
	}
}

// Flags returns the run command flags. Their defaults mirror
// DefaultAgentOptions.
func Flags() []cli.Flag {
	d := DefaultAgentOptions()
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "YAML file with agent options; flags override it"},
		&cli.StringFlag{Name: "endpoint", Usage: "Base URL of the collection endpoint"},
		&cli.StringFlag{Name: "api-key", Usage: "Collector API key", Sources: cli.EnvVars(apiKeyEnv)},
		&cli.BoolFlag{Name: "require-tls", Usage: "Refuse non-https endpoints"},
		&cli.BoolFlag{Name: "skip-tls-verification", Usage: "Do not verify the endpoint certificate"},
		&cli.StringFlag{Name: "vehicle-id", Usage: "Vehicle identifier; derived from the host when empty"},
		&cli.StringFlag{Name: "encoding", Value: d.Encoding, Usage: "Batch encoding: json, gzip, cbor or protobuf"},
		&cli.StringFlag{Name: "source", Value: d.Source, Usage: "Frame source: can, mavlink or stdin"},
		&cli.StringFlag{Name: "can-interface", Value: d.CANInterface, Usage: "SocketCAN interface to read"},
		&cli.StringFlag{Name: "serial-path", Value: d.SerialPath, Usage: "The serial path of the MAVLink link"},
		&cli.IntFlag{Name: "serial-baud", Value: d.SerialBaud, Usage: "The baud rate of the MAVLink link"},
		&cli.DurationFlag{Name: "target-latency", Value: d.Engine.TargetLatency, Usage: "Request latency the batch size is tuned towards"},
		&cli.DurationFlag{Name: "latency-tolerance", Value: d.Engine.LatencyTolerance, Usage: "Latency band in which the batch size is kept"},
		&cli.DurationFlag{Name: "request-timeout", Value: d.Engine.RequestTimeout, Usage: "Timeout of a single batch request"},
		&cli.DurationFlag{Name: "min-delay", Value: d.Engine.MinDelay, Usage: "Minimum delay between send cycles"},
		&cli.DurationFlag{Name: "max-delay", Value: d.Engine.MaxDelay, Usage: "Maximum delay between send cycles"},
		&cli.DurationFlag{Name: "initial-delay", Value: d.Engine.InitialDelay, Usage: "Delay between send cycles at start-up"},
		&cli.DurationFlag{Name: "delay-step", Value: d.Engine.DelayStep, Usage: "Delay increase when the queue is below the batch size"},
		&cli.IntFlag{Name: "initial-batch-size", Value: d.Engine.InitialBatchSize, Usage: "Batch size at start-up"},
		&cli.IntFlag{Name: "max-batch-size", Value: d.Engine.MaxBatchSize, Usage: "Upper bound of the batch size"},
		&cli.IntFlag{Name: "growth-threshold", Value: d.Engine.GrowthThreshold, Usage: "Batch size from which the large increment applies"},
		&cli.IntFlag{Name: "small-increment", Value: d.Engine.SmallIncrement, Usage: "Batch growth below the growth threshold"},
		&cli.IntFlag{Name: "large-increment", Value: d.Engine.LargeIncrement, Usage: "Batch growth at or above the growth threshold"},
		&cli.StringFlag{Name: "journal-path", Usage: "SQLite file recording every request; disabled when empty"},
		&cli.IntFlag{Name: "journal-retention", Value: d.JournalRetention, Usage: "Journal entries kept by periodic cleanup"},
		&cli.StringFlag{Name: "metrics-address", Usage: "host:port serving /metrics; disabled when empty"},
		&cli.DurationFlag{Name: "stats-interval", Value: d.StatsInterval, Usage: "Interval of telemetry_stats log lines; 0 disables"},
		&cli.BoolFlag{Name: "debug", Usage: "Enable debug logging"},
	}
}

var validate = validator.New()

// GetAgentOptions layers defaults, the optional YAML file and explicitly
// set flags, then validates the result.
func GetAgentOptions(c *cli.Command) (*AgentOptions, error) {
	options := DefaultAgentOptions()

	if path := c.String("config"); path != "" {
		if err := loadFile(path, options); err != nil {
			return nil, err
		}
	}

	applyFlags(c, options)

	if err := validate.Struct(options); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return options, nil
}

func loadFile(path string, options *AgentOptions) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigFile, err)
	}
	if err := yaml.Unmarshal(data, options); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfigFile, path, err)
	}
	return nil
}

func applyFlags(c *cli.Command, o *AgentOptions) {
	setString := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	setInt := func(name string, dst *int) {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if c.IsSet(name) {
			*dst = c.Duration(name)
		}
	}
	setBool := func(name string, dst *bool) {
		if c.IsSet(name) {
			*dst = c.Bool(name)
		}
	}

	setString("endpoint", &o.Endpoint)
	if key := c.String("api-key"); key != "" {
		o.APIKey = key
	}
	setBool("require-tls", &o.RequireTLS)
	setBool("skip-tls-verification", &o.SkipTLSVerification)
	setString("vehicle-id", &o.VehicleID)
	setString("encoding", &o.Encoding)
	setString("source", &o.Source)
	setString("can-interface", &o.CANInterface)
	setString("serial-path", &o.SerialPath)
	setInt("serial-baud", &o.SerialBaud)

	setDuration("target-latency", &o.Engine.TargetLatency)
	setDuration("latency-tolerance", &o.Engine.LatencyTolerance)
	setDuration("request-timeout", &o.Engine.RequestTimeout)
	setDuration("min-delay", &o.Engine.MinDelay)
	setDuration("max-delay", &o.Engine.MaxDelay)
	setDuration("initial-delay", &o.Engine.InitialDelay)
	setDuration("delay-step", &o.Engine.DelayStep)
	setInt("initial-batch-size", &o.Engine.InitialBatchSize)
	setInt("max-batch-size", &o.Engine.MaxBatchSize)
	setInt("growth-threshold", &o.Engine.GrowthThreshold)
	setInt("small-increment", &o.Engine.SmallIncrement)
	setInt("large-increment", &o.Engine.LargeIncrement)

	setString("journal-path", &o.JournalPath)
	setInt("journal-retention", &o.JournalRetention)
	setString("metrics-address", &o.MetricsAddress)
	setDuration("stats-interval", &o.StatsInterval)
	setBool("debug", &o.Debug)
}
