package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Poster delivers one batch of frames to the collection endpoint and
// returns the response status. A non-nil error means no usable response
// was received; errors wrapping ErrUnencodable mark frames that must not
// be retried.
type Poster interface {
	Post(ctx context.Context, frames [][]byte) (int, error)
}

// Outcome classifies a single request.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTooLarge
	OutcomeFailure
	OutcomeUnencodable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTooLarge:
		return "too_large"
	case OutcomeFailure:
		return "failure"
	case OutcomeUnencodable:
		return "unencodable"
	default:
		return "unknown"
	}
}

func classify(status int, err error) Outcome {
	switch {
	case errors.Is(err, ErrUnencodable):
		return OutcomeUnencodable
	case err != nil:
		return OutcomeFailure
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == http.StatusRequestEntityTooLarge:
		return OutcomeTooLarge
	default:
		return OutcomeFailure
	}
}

// Request describes one network request issued while sending a buffer.
type Request struct {
	Frames  int
	Status  int
	Outcome Outcome
	// Elapsed is the time charged to the request.
	Elapsed time.Duration
	Err     error
}

// Result is the outcome of sending a transmit buffer, including every
// split segment.
type Result struct {
	// Elapsed is the summed time charged to the non-split requests.
	Elapsed time.Duration
	// Failed is set when the last processed segment failed.
	Failed bool
	// Retained holds the failed segment kept for the next retry.
	Retained [][]byte
	// Delivered counts frames acknowledged with a success status.
	Delivered int
	// Abandoned counts frames in failed segments that were superseded
	// by a later segment, plus single frames that could not be encoded.
	// They are neither retried nor re-queued.
	Abandoned int
	Requests  []Request
}

// Transmitter sends transmit buffers through a Poster and splits
// oversized payloads.
type Transmitter struct {
	poster  Poster
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewTransmitter returns a Transmitter that bounds each request by
// timeout.
func NewTransmitter(poster Poster, timeout time.Duration, logger *slog.Logger) *Transmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transmitter{
		poster:  poster,
		timeout: timeout,
		now:     time.Now,
		logger:  logger,
	}
}

// Send transmits buffer. A segment rejected as too large or as
// unencodable is split into two contiguous halves which are sent in
// order, depth first. A single unencodable frame is dropped. A failed
// segment is kept as Retained unless a later segment is processed after
// it, in which case its frames are abandoned.
func (t *Transmitter) Send(ctx context.Context, buffer [][]byte) Result {
	var res Result
	if len(buffer) == 0 {
		return res
	}

	pending := [][][]byte{buffer}
	var failed [][]byte

	for len(pending) > 0 {
		segment := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		req := t.post(ctx, segment)
		res.Requests = append(res.Requests, req)

		splittable := req.Outcome == OutcomeTooLarge || req.Outcome == OutcomeUnencodable
		if splittable && len(segment) > 1 {
			mid := (len(segment) + 1) / 2
			t.logger.LogAttrs(ctx, slog.LevelInfo, "batch_split",
				slog.String("reason", req.Outcome.String()),
				slog.Int("frames", len(segment)),
				slog.Int("first", mid),
				slog.Int("second", len(segment)-mid),
			)
			pending = append(pending, segment[mid:], segment[:mid])
			continue
		}

		if failed != nil {
			res.Abandoned += len(failed)
			t.logger.LogAttrs(ctx, slog.LevelWarn, "frames_abandoned",
				slog.Int("frames", len(failed)),
			)
			failed = nil
		}

		if req.Outcome == OutcomeUnencodable {
			// Nothing went over the wire, so no time is charged.
			res.Abandoned += len(segment)
			t.logger.LogAttrs(ctx, slog.LevelWarn, "frames_dropped",
				slog.Int("frames", len(segment)),
				slog.String("error", req.Err.Error()),
			)
			continue
		}

		res.Elapsed += req.Elapsed

		if req.Outcome == OutcomeSuccess {
			res.Delivered += len(segment)
			continue
		}

		failed = segment
		attrs := []slog.Attr{
			slog.Int("frames", len(segment)),
			slog.Int("status", req.Status),
			slog.Duration("elapsed", req.Elapsed),
		}
		if req.Err != nil {
			attrs = append(attrs, slog.String("error", req.Err.Error()))
		}
		t.logger.LogAttrs(ctx, slog.LevelWarn, "batch_send_failed", attrs...)
	}

	res.Failed = failed != nil
	res.Retained = failed
	return res
}

// post issues a single request detached from ctx cancellation so that a
// send already in flight runs to completion or timeout.
func (t *Transmitter) post(ctx context.Context, frames [][]byte) Request {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()

	start := t.now()
	status, err := t.poster.Post(reqCtx, frames)
	elapsed := t.now().Sub(start)

	req := Request{
		Frames:  len(frames),
		Status:  status,
		Outcome: classify(status, err),
		Elapsed: elapsed,
		Err:     err,
	}
	if req.Outcome == OutcomeFailure && err != nil {
		req.Elapsed = t.timeout
	}
	if req.Outcome == OutcomeTooLarge && len(frames) == 1 {
		req.Outcome = OutcomeFailure
	}
	return req
}
