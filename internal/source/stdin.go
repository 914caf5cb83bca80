package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// maxLineSize caps a single newline-delimited frame.
const maxLineSize = 1 << 20

// Lines reads newline-delimited JSON frames from a reader. Blank lines
// are ignored and lines that are not valid JSON are dropped.
type Lines struct {
	name string
	r    io.Reader
}

func NewLines(name string, r io.Reader) *Lines {
	return &Lines{name: name, r: r}
}

// NewStdin reads frames from the process's standard input.
func NewStdin() *Lines {
	return NewLines("stdin", os.Stdin)
}

func (l *Lines) Name() string { return l.name }

// Run returns nil at end of input.
func (l *Lines) Run(ctx context.Context, sink Sink) error {
	scanner := bufio.NewScanner(l.r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			slog.LogAttrs(ctx, slog.LevelWarn, "line_frame_invalid", slog.String("source", l.name))
			continue
		}
		sink.Enqueue(bytes.Clone(line))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", l.name, err)
	}
	return nil
}
