package engine

import "time"

// State is the engine's control state between cycles.
type State struct {
	// BatchSize is the target number of frames per batch.
	BatchSize int
	// Delay is the pause after the current cycle.
	Delay time.Duration
	// Retrying is set while the most recent send did not complete
	// cleanly. The retained buffer is re-sent instead of forming a new
	// batch.
	Retrying bool
}

// Plan runs the backoff controller for a cycle that observes depth
// queued frames, and returns the updated state along with the number of
// frames batch formation should drain. The drain count is zero while
// retrying.
func (c Config) Plan(s State, depth int) (State, int) {
	s.Delay = c.nextDelay(s, depth)
	if s.Retrying {
		return s, 0
	}
	return s, min(s.BatchSize, max(depth, 0))
}

// Settle applies the outcome of a send: the batch-size controller runs on
// elapsed, and the error flag follows failed.
func (c Config) Settle(s State, elapsed time.Duration, failed bool) State {
	s.BatchSize = c.nextBatchSize(s.BatchSize, elapsed)
	s.Retrying = failed
	return s
}

func (c Config) nextDelay(s State, depth int) time.Duration {
	switch {
	case s.Retrying:
		return c.MaxDelay / 2
	case depth < s.BatchSize:
		return min(s.Delay+c.DelayStep, c.MaxDelay)
	case depth > s.BatchSize:
		return max(s.Delay/2, c.MinDelay)
	default:
		return s.Delay
	}
}

func (c Config) nextBatchSize(size int, elapsed time.Duration) int {
	switch {
	case elapsed < c.TargetLatency-c.LatencyTolerance:
		step := c.SmallIncrement
		if size >= c.GrowthThreshold {
			step = c.LargeIncrement
		}
		return min(size+step, c.MaxBatchSize)
	case elapsed > c.TargetLatency+c.LatencyTolerance:
		return max(size/2, 1)
	default:
		return size
	}
}
