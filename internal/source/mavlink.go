package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
)

type mavlinkRecord struct {
	VehicleID    string  `json:"vehicle_id"`
	SystemID     uint8   `json:"system_id"`
	ComponentID  uint8   `json:"component_id"`
	MessageID    uint32  `json:"message_id"`
	TimeRecorded float64 `json:"time_recorded"`
}

func encodeMAVLinkRecord(vehicleID string, systemID, componentID uint8, messageID uint32, at time.Time) ([]byte, error) {
	return json.Marshal(mavlinkRecord{
		VehicleID:    vehicleID,
		SystemID:     systemID,
		ComponentID:  componentID,
		MessageID:    messageID,
		TimeRecorded: unixSeconds(at),
	})
}

// MAVLink reads frames from a serial MAVLink link.
type MAVLink struct {
	path      string
	baud      int
	vehicleID string
	now       func() time.Time
}

func NewMAVLink(path string, baud int, vehicleID string) *MAVLink {
	return &MAVLink{path: path, baud: baud, vehicleID: vehicleID, now: time.Now}
}

func (m *MAVLink) Name() string { return "mavlink:" + m.path }

// Run forwards one record per received MAVLink frame until ctx is
// cancelled or the node closes.
func (m *MAVLink) Run(ctx context.Context, sink Sink) error {
	node := &gomavlib.Node{
		Endpoints: []gomavlib.EndpointConf{
			gomavlib.EndpointSerial{
				Device: m.path,
				Baud:   m.baud,
			},
		},
		Dialect: common.Dialect,
	}
	if err := node.Initialize(); err != nil {
		return fmt.Errorf("failed to open mavlink node on %s: %w", m.path, err)
	}
	defer node.Close()

	slog.LogAttrs(ctx, slog.LevelInfo, "mavlink_source_started",
		slog.String("device", m.path),
		slog.Int("baud", m.baud),
	)

	events := node.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return fmt.Errorf("mavlink node on %s closed", m.path)
			}
			frm, ok := evt.(*gomavlib.EventFrame)
			if !ok {
				continue
			}
			record, err := encodeMAVLinkRecord(m.vehicleID, frm.SystemID(), frm.ComponentID(), frm.Message().GetID(), m.now())
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelWarn, "mavlink_frame_encode_failed", slog.String("error", err.Error()))
				continue
			}
			sink.Enqueue(record)
		}
	}
}
