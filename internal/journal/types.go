package journal

// Entry is one journaled request.
type Entry struct {
	ID        int64
	CreatedAt int64
	BatchID   string
	Cycle     uint64
	Frames    int
	Status    int
	Outcome   string
	// ElapsedNanos is the time charged to the request.
	ElapsedNanos int64
	Error        string
}

// OutcomeCount aggregates journaled requests sharing an outcome.
type OutcomeCount struct {
	Outcome  string
	Requests int64
	Frames   int64
}
