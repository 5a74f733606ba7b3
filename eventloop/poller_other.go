//go:build !linux

package eventloop

import (
	"errors"
	"fmt"
)

// NewPoller reports that no poller exists for this platform.
func NewPoller() (Poller, error) {
	return nil, fmt.Errorf("eventloop: %w", errors.ErrUnsupported)
}
