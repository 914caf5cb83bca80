package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is advanced by the fake poster to simulate request latency.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type response struct {
	status  int
	err     error
	latency time.Duration
}

// fakePoster records every call and answers from respond.
type fakePoster struct {
	mu      sync.Mutex
	clock   *fakeClock
	calls   [][][]byte
	respond func(call int, frames [][]byte) response
}

func (p *fakePoster) Post(_ context.Context, frames [][]byte) (int, error) {
	p.mu.Lock()
	call := len(p.calls)
	p.calls = append(p.calls, frames)
	p.mu.Unlock()

	r := p.respond(call, frames)
	p.clock.Advance(r.latency)
	return r.status, r.err
}

func (p *fakePoster) callSizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	sizes := make([]int, len(p.calls))
	for i, c := range p.calls {
		sizes[i] = len(c)
	}
	return sizes
}

func testFrames(n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = []byte(strconv.Itoa(i))
	}
	return frames
}

func newTestTransmitter(p *fakePoster, timeout time.Duration) *Transmitter {
	tx := NewTransmitter(p, timeout, slog.New(slog.DiscardHandler))
	tx.now = p.clock.Now
	return tx
}

func TestSendSuccess(t *testing.T) {
	p := &fakePoster{clock: newFakeClock(), respond: func(int, [][]byte) response {
		return response{status: http.StatusOK, latency: 700 * time.Millisecond}
	}}
	tx := newTestTransmitter(p, 3*time.Second)

	res := tx.Send(context.Background(), testFrames(10))
	require.False(t, res.Failed)
	require.Nil(t, res.Retained)
	require.Equal(t, 10, res.Delivered)
	require.Equal(t, 700*time.Millisecond, res.Elapsed)
	require.Len(t, res.Requests, 1)
	require.Equal(t, OutcomeSuccess, res.Requests[0].Outcome)
}

func TestSendSplitsTooLargeIntoHalves(t *testing.T) {
	p := &fakePoster{clock: newFakeClock(), respond: func(_ int, frames [][]byte) response {
		if len(frames) > 500 {
			return response{status: http.StatusRequestEntityTooLarge, latency: 50 * time.Millisecond}
		}
		return response{status: http.StatusOK, latency: 300 * time.Millisecond}
	}}
	tx := newTestTransmitter(p, 3*time.Second)
	buffer := testFrames(1000)

	res := tx.Send(context.Background(), buffer)
	require.Equal(t, []int{1000, 500, 500}, p.callSizes())
	require.Equal(t, buffer[:500], p.calls[1])
	require.Equal(t, buffer[500:], p.calls[2])
	require.False(t, res.Failed)
	require.Equal(t, 1000, res.Delivered)
	require.Equal(t, 600*time.Millisecond, res.Elapsed)
}

func TestSendSplitRecursesToSingleFrames(t *testing.T) {
	p := &fakePoster{clock: newFakeClock(), respond: func(int, [][]byte) response {
		return response{status: http.StatusRequestEntityTooLarge, latency: 10 * time.Millisecond}
	}}
	tx := newTestTransmitter(p, 3*time.Second)
	buffer := testFrames(7)

	res := tx.Send(context.Background(), buffer)
	require.Equal(t, []int{7, 4, 2, 1, 1, 2, 1, 1, 3, 2, 1, 1, 1}, p.callSizes())
	require.True(t, res.Failed)
	require.Equal(t, buffer[6:], res.Retained)
	require.Equal(t, 6, res.Abandoned)
	require.Zero(t, res.Delivered)
	require.Equal(t, 70*time.Millisecond, res.Elapsed)
	for _, req := range res.Requests {
		if req.Frames == 1 {
			require.Equal(t, OutcomeFailure, req.Outcome)
		} else {
			require.Equal(t, OutcomeTooLarge, req.Outcome)
		}
	}
}

func TestSendTransportErrorRetainsBuffer(t *testing.T) {
	p := &fakePoster{clock: newFakeClock(), respond: func(int, [][]byte) response {
		return response{err: errors.New("connection refused"), latency: 5 * time.Millisecond}
	}}
	tx := newTestTransmitter(p, 3*time.Second)
	buffer := testFrames(10)

	res := tx.Send(context.Background(), buffer)
	require.True(t, res.Failed)
	require.Equal(t, buffer, res.Retained)
	require.Same(t, &buffer[0], &res.Retained[0])
	require.Equal(t, 3*time.Second, res.Elapsed)
	require.Zero(t, res.Abandoned)
}

func TestSendFailureStatusChargesActualElapsed(t *testing.T) {
	p := &fakePoster{clock: newFakeClock(), respond: func(int, [][]byte) response {
		return response{status: http.StatusServiceUnavailable, latency: 250 * time.Millisecond}
	}}
	tx := newTestTransmitter(p, 3*time.Second)

	res := tx.Send(context.Background(), testFrames(3))
	require.True(t, res.Failed)
	require.Equal(t, 250*time.Millisecond, res.Elapsed)
	require.Equal(t, http.StatusServiceUnavailable, res.Requests[0].Status)
}

func TestSendFirstHalfFailureIsAbandoned(t *testing.T) {
	p := &fakePoster{clock: newFakeClock(), respond: func(call int, frames [][]byte) response {
		switch call {
		case 0:
			return response{status: http.StatusRequestEntityTooLarge}
		case 1:
			return response{status: http.StatusBadGateway, latency: 100 * time.Millisecond}
		default:
			return response{status: http.StatusOK, latency: 100 * time.Millisecond}
		}
	}}
	tx := newTestTransmitter(p, 3*time.Second)

	res := tx.Send(context.Background(), testFrames(4))
	require.False(t, res.Failed)
	require.Nil(t, res.Retained)
	require.Equal(t, 2, res.Abandoned)
	require.Equal(t, 2, res.Delivered)
}

func TestSendSecondHalfFailureIsRetained(t *testing.T) {
	p := &fakePoster{clock: newFakeClock(), respond: func(call int, frames [][]byte) response {
		switch call {
		case 0:
			return response{status: http.StatusRequestEntityTooLarge}
		case 1:
			return response{status: http.StatusOK, latency: 100 * time.Millisecond}
		default:
			return response{err: context.DeadlineExceeded}
		}
	}}
	tx := newTestTransmitter(p, 3*time.Second)
	buffer := testFrames(5)

	res := tx.Send(context.Background(), buffer)
	require.Equal(t, []int{5, 3, 2}, p.callSizes())
	require.True(t, res.Failed)
	require.Equal(t, buffer[3:], res.Retained)
	require.Zero(t, res.Abandoned)
	require.Equal(t, 3, res.Delivered)
	require.Equal(t, 100*time.Millisecond+3*time.Second, res.Elapsed)
}

// rejectingPoster fails to encode any segment containing a "bad" frame,
// the way an encoder rejects input it cannot serialize.
func rejectingPoster() *fakePoster {
	return &fakePoster{clock: newFakeClock(), respond: func(_ int, frames [][]byte) response {
		for _, f := range frames {
			if string(f) == "bad" {
				return response{err: fmt.Errorf("encode: %w", ErrUnencodable)}
			}
		}
		return response{status: http.StatusOK, latency: 200 * time.Millisecond}
	}}
}

func TestSendDropsUnencodableFrame(t *testing.T) {
	p := rejectingPoster()
	tx := newTestTransmitter(p, 3*time.Second)
	buffer := [][]byte{[]byte("bad"), []byte("1"), []byte("2"), []byte("3")}

	res := tx.Send(context.Background(), buffer)
	require.Equal(t, []int{4, 2, 1, 1, 2}, p.callSizes())
	require.False(t, res.Failed)
	require.Nil(t, res.Retained)
	require.Equal(t, 3, res.Delivered)
	require.Equal(t, 1, res.Abandoned)
	require.Equal(t, 400*time.Millisecond, res.Elapsed)
	require.Equal(t, OutcomeUnencodable, res.Requests[2].Outcome)
}

func TestSendUnencodableSingleFrameIsNotRetained(t *testing.T) {
	tx := newTestTransmitter(rejectingPoster(), 3*time.Second)

	res := tx.Send(context.Background(), [][]byte{[]byte("bad")})
	require.False(t, res.Failed)
	require.Nil(t, res.Retained)
	require.Equal(t, 1, res.Abandoned)
	require.Zero(t, res.Elapsed)
}

func TestSendEmptyBufferIsNoop(t *testing.T) {
	p := &fakePoster{clock: newFakeClock(), respond: func(int, [][]byte) response {
		t.Fatal("poster must not be called")
		return response{}
	}}
	res := newTestTransmitter(p, time.Second).Send(context.Background(), nil)
	require.Empty(t, res.Requests)
	require.False(t, res.Failed)
}

func TestClassify(t *testing.T) {
	require.Equal(t, OutcomeSuccess, classify(http.StatusOK, nil))
	require.Equal(t, OutcomeSuccess, classify(http.StatusAccepted, nil))
	require.Equal(t, OutcomeTooLarge, classify(http.StatusRequestEntityTooLarge, nil))
	require.Equal(t, OutcomeFailure, classify(http.StatusInternalServerError, nil))
	require.Equal(t, OutcomeFailure, classify(http.StatusUnauthorized, nil))
	require.Equal(t, OutcomeFailure, classify(0, errors.New("dial tcp")))
	require.Equal(t, OutcomeUnencodable, classify(0, fmt.Errorf("json: %w", ErrUnencodable)))
	require.Equal(t, "too_large", OutcomeTooLarge.String())
}
