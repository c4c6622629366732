package kernel

import (
	"errors"
	"fmt"

	"github.com/orneryd/nornicdb-kernel/pkg/recovery"
)

var (
	// ErrClosed is returned by every operation after Shutdown or Crash.
	ErrClosed = errors.New("kernel: closed")
	// ErrNotFound is returned when a transaction references a node or
	// relationship that does not exist.
	ErrNotFound = errors.New("kernel: entity not found")
	// ErrDegraded is returned by commits and checkpoints after a logged
	// transaction failed to apply. Restart the kernel to replay it.
	ErrDegraded = errors.New("kernel: degraded")
)

// StartupError is returned by Open when recovery did not complete. The
// kernel is never returned partially recovered.
type StartupError struct {
	Reason error
	Result recovery.Result
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("kernel: startup failed in state %s: %v", e.Result.State, e.Reason)
}

func (e *StartupError) Unwrap() error { return e.Reason }
