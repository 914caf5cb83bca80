package encoding

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/gzip"
)

// JSONArray posts the frames as a plain JSON array. Every frame must
// itself be a JSON value.
type JSONArray struct{}

func (JSONArray) Name() string            { return "json" }
func (JSONArray) Path() string            { return "/frames/bulk" }
func (JSONArray) ContentType() string     { return "application/json" }
func (JSONArray) ContentEncoding() string { return "" }

func (JSONArray) Encode(frames [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(2 + len(frames)*64)
	buf.WriteByte('[')
	for i, frame := range frames {
		if !json.Valid(frame) {
			return nil, fmt.Errorf("%w: frame %d is not valid JSON", ErrInvalidFrame, i)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(frame)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// envelope is the object shape shared by the vehicle-tagged encodings.
// encoding/json writes each frame as a base64 string.
type envelope struct {
	VehicleID string   `json:"vehicle_id" cbor:"vehicle_id"`
	Frames    [][]byte `json:"frames" cbor:"frames"`
}

// GzipJSON posts {"vehicle_id", "frames": [base64...]} compressed with
// gzip.
type GzipJSON struct {
	VehicleID string
}

func (GzipJSON) Name() string            { return "gzip" }
func (GzipJSON) Path() string            { return "/compressedframes" }
func (GzipJSON) ContentType() string     { return "application/json" }
func (GzipJSON) ContentEncoding() string { return "gzip" }

func (g GzipJSON) Encode(frames [][]byte) ([]byte, error) {
	msg, err := json.Marshal(envelope{VehicleID: g.VehicleID, Frames: frames})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(msg); err != nil {
		return nil, fmt.Errorf("failed to compress envelope: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return buf.Bytes(), nil
}
