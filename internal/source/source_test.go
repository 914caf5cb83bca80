package source

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sliceSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *sliceSink) Enqueue(frame []byte) {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
}

func rawCANFrame(id uint32, data ...byte) []byte {
	b := make([]byte, canFrameSize)
	binary.NativeEndian.PutUint32(b[0:4], id)
	b[4] = byte(len(data))
	copy(b[8:], data)
	return b
}

func TestParseCANFrameStandard(t *testing.T) {
	f, err := parseCANFrame(rawCANFrame(0x123, 0xde, 0xad))
	require.NoError(t, err)
	require.Equal(t, uint32(0x123), f.ID)
	require.False(t, f.Extended)
	require.Equal(t, []byte{0xde, 0xad}, f.Data)
}

func TestParseCANFrameExtended(t *testing.T) {
	f, err := parseCANFrame(rawCANFrame(canEFFFlag|0x1abcdef0, 0x01))
	require.NoError(t, err)
	require.True(t, f.Extended)
	require.Equal(t, uint32(0x1abcdef0), f.ID)
}

func TestParseCANFrameClampsDLCAndRejectsShort(t *testing.T) {
	raw := rawCANFrame(0x10, 1, 2, 3, 4, 5, 6, 7, 8)
	raw[4] = 15
	f, err := parseCANFrame(raw)
	require.NoError(t, err)
	require.Len(t, f.Data, 8)

	_, err = parseCANFrame(raw[:8])
	require.ErrorIs(t, err, errShortCANFrame)
}

func TestEncodeCANRecord(t *testing.T) {
	at := time.Unix(1700000000, 500_000_000)
	record, err := encodeCANRecord("veh-1", canFrame{ID: 0x7df, Data: []byte{0x02, 0x01, 0x0c}}, at)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(record, &got))
	require.Equal(t, "veh-1", got["vehicle_id"])
	require.EqualValues(t, 0x7df, got["arbitration_id"])
	require.EqualValues(t, 3, got["data_len"])
	require.Equal(t, "02 01 0C", got["data_string"])
	require.InDelta(t, 1700000000.5, got["time_recorded"], 1e-6)
}

func TestEncodeMAVLinkRecord(t *testing.T) {
	record, err := encodeMAVLinkRecord("veh-2", 1, 200, 33, time.Unix(10, 0))
	require.NoError(t, err)
	require.JSONEq(t, `{"vehicle_id":"veh-2","system_id":1,"component_id":200,"message_id":33,"time_recorded":10}`, string(record))
}

func TestLinesForwardsValidJSON(t *testing.T) {
	input := strings.Join([]string{
		`{"a":1}`,
		``,
		`not json`,
		`  {"a":2}  `,
	}, "\n")
	sink := &sliceSink{}

	require.NoError(t, NewLines("test", strings.NewReader(input)).Run(context.Background(), sink))
	require.Equal(t, [][]byte{[]byte(`{"a":1}`), []byte(`{"a":2}`)}, sink.frames)
}

func TestLinesStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewLines("test", strings.NewReader("{}\n{}\n")).Run(ctx, &sliceSink{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewSource(t *testing.T) {
	src, err := New(Options{Kind: "can", CANInterface: "vcan0"})
	require.NoError(t, err)
	require.Equal(t, "can:vcan0", src.Name())

	src, err = New(Options{Kind: "mavlink", SerialPath: "/dev/ttyACM0", SerialBaud: 57600})
	require.NoError(t, err)
	require.Equal(t, "mavlink:/dev/ttyACM0", src.Name())

	_, err = New(Options{Kind: "obd"})
	require.ErrorIs(t, err, ErrUnknownSource)
}
