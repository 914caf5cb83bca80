//go:build !linux

package source

import (
	"context"
	"fmt"
)

func (c *CAN) Run(ctx context.Context, sink Sink) error {
	return fmt.Errorf("%w: socketcan", ErrUnsupportedSource)
}
