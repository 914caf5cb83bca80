//go:build linux

package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"
)

// Run opens a raw CAN socket bound to the interface and forwards every
// data frame until ctx is cancelled. Error frames are skipped.
func (c *CAN) Run(ctx context.Context, sink Sink) error {
	iface, err := net.InterfaceByName(c.iface)
	if err != nil {
		return fmt.Errorf("failed to look up can interface %q: %w", c.iface, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("failed to open can socket: %w", err)
	}
	defer unix.Close(fd)

	// Wake up periodically so cancellation is noticed on a quiet bus.
	tv := unix.NsecToTimeval(readPollInterval.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("failed to set can read timeout: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		return fmt.Errorf("failed to bind can socket to %q: %w", c.iface, err)
	}

	slog.LogAttrs(ctx, slog.LevelInfo, "can_source_started", slog.String("interface", c.iface))

	buf := make([]byte, canFrameSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("failed to read can frame: %w", err)
		}

		frame, err := parseCANFrame(buf[:n])
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "can_frame_invalid", slog.String("error", err.Error()))
			continue
		}
		if frame.Error {
			continue
		}

		record, err := encodeCANRecord(c.vehicleID, frame, c.now())
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "can_frame_encode_failed", slog.String("error", err.Error()))
			continue
		}
		sink.Enqueue(record)
	}
}
