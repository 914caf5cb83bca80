package encoding

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

// encMode uses Core Deterministic Encoding so identical batches always
// produce identical bodies.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("encoding: CBOR encoder initialization failed: " + err.Error())
	}
}

// CBOR posts the envelope as CBOR with frames as byte strings.
type CBOR struct {
	VehicleID string
}

func (CBOR) Name() string            { return "cbor" }
func (CBOR) Path() string            { return "/frames/cbor" }
func (CBOR) ContentType() string     { return "application/cbor" }
func (CBOR) ContentEncoding() string { return "" }

func (c CBOR) Encode(frames [][]byte) ([]byte, error) {
	data, err := encMode.Marshal(envelope{VehicleID: c.VehicleID, Frames: frames})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cbor envelope: %w", err)
	}
	return data, nil
}

// Protobuf field numbers of the FrameBatch message:
//
//	message FrameBatch {
//	  string vehicle_id = 1;
//	  repeated bytes frames = 2;
//	}
const (
	fieldVehicleID protowire.Number = 1
	fieldFrames    protowire.Number = 2
)

// Protobuf posts the batch as a FrameBatch protobuf message.
type Protobuf struct {
	VehicleID string
}

func (Protobuf) Name() string            { return "protobuf" }
func (Protobuf) Path() string            { return "/frames/proto" }
func (Protobuf) ContentType() string     { return "application/x-protobuf" }
func (Protobuf) ContentEncoding() string { return "" }

func (p Protobuf) Encode(frames [][]byte) ([]byte, error) {
	size := len(p.VehicleID) + 8
	for _, f := range frames {
		size += len(f) + 6
	}

	b := make([]byte, 0, size)
	if p.VehicleID != "" {
		b = protowire.AppendTag(b, fieldVehicleID, protowire.BytesType)
		b = protowire.AppendString(b, p.VehicleID)
	}
	for _, f := range frames {
		b = protowire.AppendTag(b, fieldFrames, protowire.BytesType)
		b = protowire.AppendBytes(b, f)
	}
	return b, nil
}

// DecodeProtobuf parses a FrameBatch body. Unknown fields are skipped.
func DecodeProtobuf(b []byte) (string, [][]byte, error) {
	var vehicleID string
	var frames [][]byte

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldVehicleID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			vehicleID = v
			b = b[n:]
		case num == fieldFrames && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			frames = append(frames, bytes.Clone(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return vehicleID, frames, nil
}
