package source

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Layout of struct can_frame from linux/can.h.
const (
	canFrameSize = 16
	canEFFFlag   = 0x80000000
	canRTRFlag   = 0x40000000
	canERRFlag   = 0x20000000
	canSFFMask   = 0x000007FF
	canEFFMask   = 0x1FFFFFFF
	canMaxDLen   = 8
)

var errShortCANFrame = errors.New("short can frame")

// canFrame is a decoded classic CAN frame.
type canFrame struct {
	ID       uint32
	Extended bool
	Remote   bool
	Error    bool
	Data     []byte
}

func parseCANFrame(b []byte) (canFrame, error) {
	if len(b) < canFrameSize {
		return canFrame{}, fmt.Errorf("%w: %d bytes", errShortCANFrame, len(b))
	}
	raw := binary.NativeEndian.Uint32(b[0:4])
	dlc := int(b[4])
	if dlc > canMaxDLen {
		dlc = canMaxDLen
	}

	f := canFrame{
		Extended: raw&canEFFFlag != 0,
		Remote:   raw&canRTRFlag != 0,
		Error:    raw&canERRFlag != 0,
		Data:     append([]byte(nil), b[8:8+dlc]...),
	}
	if f.Extended {
		f.ID = raw & canEFFMask
	} else {
		f.ID = raw & canSFFMask
	}
	return f, nil
}

type canRecord struct {
	VehicleID     string  `json:"vehicle_id"`
	ArbitrationID uint32  `json:"arbitration_id"`
	DataLen       int     `json:"data_len"`
	DataString    string  `json:"data_string"`
	TimeRecorded  float64 `json:"time_recorded"`
}

// encodeCANRecord renders a frame as the collector's JSON record, with
// the payload as space separated upper-case hex bytes.
func encodeCANRecord(vehicleID string, f canFrame, at time.Time) ([]byte, error) {
	hex := make([]string, len(f.Data))
	for i, b := range f.Data {
		hex[i] = fmt.Sprintf("%02X", b)
	}
	return json.Marshal(canRecord{
		VehicleID:     vehicleID,
		ArbitrationID: f.ID,
		DataLen:       len(f.Data),
		DataString:    strings.Join(hex, " "),
		TimeRecorded:  unixSeconds(at),
	})
}

// CAN reads frames from a SocketCAN interface.
type CAN struct {
	iface     string
	vehicleID string
	now       func() time.Time
}

func NewCAN(iface, vehicleID string) *CAN {
	return &CAN{iface: iface, vehicleID: vehicleID, now: time.Now}
}

func (c *CAN) Name() string { return "can:" + c.iface }
