package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/makinje/busrelay-agent/internal/agent"
	"github.com/makinje/busrelay-agent/internal/journal"
	"github.com/urfave/cli/v3"
)

var runCmd = &cli.Command{
	Name:   "run",
	Usage:  "forward vehicle bus frames to the collection endpoint",
	Action: RunAgent,
	Flags:  agent.Flags(),
}

var journalCmd = &cli.Command{
	Name:   "journal",
	Usage:  "summarise the local transmission journal",
	Action: ShowJournal,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "journal-path",
			Usage:    "SQLite journal written by run",
			Required: true,
		},
		&cli.IntFlag{
			Name:  "recent",
			Value: 20,
			Usage: "Number of most recent requests to list",
		},
	},
}

var rootCmd = &cli.Command{
	Name:     "busrelay-agent",
	Usage:    "adaptive batch relay for vehicle bus telemetry",
	Commands: []*cli.Command{runCmd, journalCmd},
}

func RunAgent(ctx context.Context, cmd *cli.Command) error {
	options, err := agent.GetAgentOptions(cmd)
	if err != nil {
		return fmt.Errorf("failed to get agent options: %v", err)
	}

	setupLogging(options.Debug)

	a, err := agent.NewAgent(options)
	if err != nil {
		return fmt.Errorf("failed to construct agent: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return a.Start(ctx, sigCh)
}

func ShowJournal(ctx context.Context, cmd *cli.Command) error {
	j, err := openJournal(cmd.String("journal-path"))
	if err != nil {
		return err
	}
	defer j.Close()

	summary, err := j.Summary(ctx)
	if err != nil {
		return err
	}
	recent, err := j.Recent(ctx, cmd.Int("recent"))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OUTCOME\tREQUESTS\tFRAMES")
	for _, s := range summary {
		fmt.Fprintf(w, "%s\t%d\t%d\n", s.Outcome, s.Requests, s.Frames)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "TIME\tBATCH\tCYCLE\tFRAMES\tSTATUS\tOUTCOME\tELAPSED\tERROR")
	for _, e := range recent {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			time.Unix(0, e.CreatedAt).Format(time.RFC3339),
			e.BatchID, e.Cycle, e.Frames, e.Status, e.Outcome,
			time.Duration(e.ElapsedNanos), e.Error)
	}
	return w.Flush()
}

// openJournal opens an existing journal. journal.New would create a fresh
// empty database for a mistyped path.
func openJournal(path string) (*journal.Journal, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	j, err := journal.New(path, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return j, nil
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	if err := rootCmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
