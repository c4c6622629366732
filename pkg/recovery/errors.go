package recovery

import (
	"errors"
	"fmt"

	"github.com/orneryd/nornicdb-kernel/pkg/txlog"
)

var (
	// ErrVersionSkew matches every *VersionSkewError.
	ErrVersionSkew = errors.New("recovery: log format version skew")
	// ErrStoreApply matches every *StoreApplyError.
	ErrStoreApply = errors.New("recovery: store rejected operation")
	// ErrOutOfOrder is returned when transaction ids in the log do not increase.
	ErrOutOfOrder = errors.New("recovery: transaction ids out of order")
	// ErrAlreadyRun is returned when Run is called more than once.
	ErrAlreadyRun = errors.New("recovery: already run")
)

// VersionSkewError reports a segment whose format version this build
// cannot replay. CleanShutdown tells whether that segment was sealed.
type VersionSkewError struct {
	Segment       uint64
	Expected      uint8
	Found         uint8
	CleanShutdown bool
}

func (e *VersionSkewError) Error() string {
	if e.Found > e.Expected {
		return fmt.Sprintf("recovery: segment %d has format version %d, newer than supported version %d",
			e.Segment, e.Found, e.Expected)
	}
	return fmt.Sprintf("recovery: segment %d has format version %d (expected %d) and was not closed by a clean shutdown",
		e.Segment, e.Found, e.Expected)
}

func (e *VersionSkewError) Is(target error) bool {
	return target == ErrVersionSkew
}

// StoreApplyError reports an operation the store layer rejected during replay.
type StoreApplyError struct {
	TxID    uint64
	Segment uint64
	Offset  int64
	Op      txlog.Operation
	Err     error
}

func (e *StoreApplyError) Error() string {
	return fmt.Sprintf("recovery: store rejected %s of tx %d (segment %d, offset %d): %v",
		e.Op, e.TxID, e.Segment, e.Offset, e.Err)
}

func (e *StoreApplyError) Unwrap() error { return e.Err }

func (e *StoreApplyError) Is(target error) bool {
	return target == ErrStoreApply
}
