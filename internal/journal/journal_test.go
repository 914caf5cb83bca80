package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/makinje/busrelay-agent/internal/engine"
)

func TestJournal_Lifecycle(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal_lifecycle.db")

	j, err := New(dbPath, 0, 0)
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Errorf("journal file was not created at %s", dbPath)
	}
}

func TestJournal_AppendAndRecent(t *testing.T) {
	j := mustNewJournal(t)
	defer j.Close()
	ctx := context.Background()

	entries := []Entry{
		{BatchID: "a", Cycle: 1, Frames: 10, Status: 200, Outcome: "success", ElapsedNanos: 1},
		{BatchID: "b", Cycle: 2, Frames: 20, Status: 503, Outcome: "failure", ElapsedNanos: 2},
		{BatchID: "b", Cycle: 3, Frames: 20, Status: 200, Outcome: "success", ElapsedNanos: 3},
	}
	if err := j.AppendBatch(ctx, entries); err != nil {
		t.Fatalf("AppendBatch failed: %v", err)
	}

	got, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Cycle != 3 || got[1].Cycle != 2 {
		t.Errorf("expected newest first, got cycles %d, %d", got[0].Cycle, got[1].Cycle)
	}
	if got[1].Status != 503 || got[1].Outcome != "failure" {
		t.Errorf("unexpected entry: %+v", got[1])
	}
	if got[0].CreatedAt == 0 {
		t.Error("expected created_at to be stamped")
	}

	if _, err := j.Recent(ctx, 0); err == nil {
		t.Error("expected error for limit=0, got nil")
	}
}

func TestJournal_ObserveCycleWritesAsync(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal_async.db")
	j, err := New(dbPath, 2, time.Hour)
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	defer j.Close()

	report := engine.CycleReport{
		Cycle:    7,
		BatchID:  "batch-7",
		Sent:     true,
		Finished: time.Now(),
		Result: engine.Result{
			Requests: []engine.Request{
				{Frames: 4, Status: 413, Outcome: engine.OutcomeTooLarge},
				{Frames: 2, Status: 200, Outcome: engine.OutcomeSuccess, Elapsed: time.Second},
			},
		},
	}
	j.ObserveCycle(report)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := j.WaitForWrite(ctx); err != nil {
		t.Fatalf("Timeout waiting for journal write: %v", err)
	}

	got, err := j.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Outcome != "success" || got[0].ElapsedNanos != time.Second.Nanoseconds() {
		t.Errorf("unexpected entry: %+v", got[0])
	}
	if got[1].Outcome != "too_large" || got[1].BatchID != "batch-7" {
		t.Errorf("unexpected entry: %+v", got[1])
	}
}

func TestJournal_ObserveCycleSkipsIdleCycles(t *testing.T) {
	j := mustNewJournal(t)
	j.ObserveCycle(engine.CycleReport{Cycle: 1})
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if len(j.entryChan) != 0 {
		t.Errorf("expected no queued entries, got %d", len(j.entryChan))
	}
}

func TestJournal_CloseFlushesPending(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal_close.db")
	j, err := New(dbPath, 100, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	j.ObserveCycle(engine.CycleReport{
		Cycle:  1,
		Sent:   true,
		Result: engine.Result{Requests: []engine.Request{{Frames: 1, Outcome: engine.OutcomeFailure, Err: errors.New("refused")}}},
	})
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := New(dbPath, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, err := reopened.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Error != "refused" {
		t.Fatalf("expected flushed failure entry, got %+v", got)
	}
}

func TestJournal_SummaryAndCleanup(t *testing.T) {
	j := mustNewJournal(t)
	defer j.Close()
	ctx := context.Background()

	var entries []Entry
	for i := 0; i < 10; i++ {
		outcome := "success"
		if i%5 == 0 {
			outcome = "failure"
		}
		entries = append(entries, Entry{BatchID: "x", Cycle: uint64(i), Frames: 3, Outcome: outcome})
	}
	if err := j.AppendBatch(ctx, entries); err != nil {
		t.Fatal(err)
	}

	summary, err := j.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	want := []OutcomeCount{
		{Outcome: "failure", Requests: 2, Frames: 6},
		{Outcome: "success", Requests: 8, Frames: 24},
	}
	if len(summary) != len(want) {
		t.Fatalf("expected %d summary rows, got %+v", len(want), summary)
	}
	for i := range want {
		if summary[i] != want[i] {
			t.Errorf("summary[%d] = %+v, want %+v", i, summary[i], want[i])
		}
	}

	deleted, err := j.Cleanup(ctx, 3)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted != 7 {
		t.Errorf("expected 7 rows deleted, got %d", deleted)
	}

	remaining, err := j.Recent(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 3 || remaining[2].Cycle != 7 {
		t.Errorf("expected the newest 3 entries to remain, got %+v", remaining)
	}
}

func mustNewJournal(t *testing.T) *Journal {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	j, err := New(dbPath, 0, 0)
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	return j
}
