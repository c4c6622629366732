// Package recovery implements the startup state machine that brings the
// store up to date with the transaction log.
//
//	NotStarted -> Scanning -> Replaying -> Complete
//	                  |           |
//	                  +-> Failed <+
//
// Scanning decodes the header of every segment that is not covered by the
// store's checkpoint and decides whether the log may be replayed at all:
//
//   - a version newer than txlog.CurrentFormatVersion is always fatal
//   - an older version is fatal unless that segment was closed cleanly,
//     meaning it ends with a seal frame and nothing after it; for the
//     newest segment this is the cleanliness of the previous shutdown
//   - a malformed header, or a header whose id does not match the segment
//     file, is fatal
//
// Replaying applies the operations of every record newer than the
// checkpoint, strictly in (segment, offset) order. Any store error is fatal.
// Complete checkpoints the store and opens the write-gate; Failed leaves the
// gate locked. Both are terminal.
package recovery

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/nornicdb-kernel/pkg/gate"
	"github.com/orneryd/nornicdb-kernel/pkg/txlog"
)

// State is the recovery lifecycle state.
type State int32

const (
	NotStarted State = iota
	Scanning
	Replaying
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Scanning:
		return "scanning"
	case Replaying:
		return "replaying"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Store is the part of the store layer recovery drives.
type Store interface {
	ApplyOperation(op txlog.Operation) error
	Checkpoint(cp txlog.Checkpoint) error
	LastCheckpoint() (txlog.Checkpoint, bool, error)
}

// Options configures a Controller.
type Options struct {
	// ReadOnly keeps the gate locked for writes after a successful recovery.
	ReadOnly bool
	// Instance is stamped into the checkpoint written on completion.
	Instance string

	Logger  *zap.Logger
	Metrics *Metrics
}

// Result is the outcome of a recovery run.
type Result struct {
	State    State
	ReadOnly bool
	// Err is the reason for a Failed result.
	Err error

	// Scanned holds the summary of every segment that was inspected.
	Scanned []txlog.SegmentSummary
	// Replayed counts records applied to the store; Operations counts their operations.
	Replayed   int
	Operations int
	// LastTxID is the highest transaction id known to be in the store.
	LastTxID uint64

	// Checkpoint is the checkpoint recorded on completion.
	Checkpoint txlog.Checkpoint
	// CleanShutdown is set when the newest scanned segment was sealed.
	CleanShutdown bool
	// Upgraded is set when older-format segments were replayed after a
	// clean shutdown.
	Upgraded bool
}

// Available reports whether the kernel may serve requests.
func (r Result) Available() bool {
	return r.State == Complete
}

// Controller runs recovery once.
type Controller struct {
	log    *txlog.LogicalLog
	store  Store
	gate   *gate.Gate
	opts   Options
	logger *zap.Logger

	state   atomic.Int32
	started atomic.Bool

	mu     sync.Mutex
	result Result
}

// New returns a Controller in NotStarted.
func New(log *txlog.LogicalLog, store Store, g *gate.Gate, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		log:    log,
		store:  store,
		gate:   g,
		opts:   opts,
		logger: logger.Named("recovery"),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Result returns the result of the completed run.
func (c *Controller) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

// Run executes recovery synchronously. It must run before the kernel
// accepts any operation; a second call returns ErrAlreadyRun.
func (c *Controller) Run() Result {
	if !c.started.CompareAndSwap(false, true) {
		return Result{State: c.State(), Err: ErrAlreadyRun}
	}

	start := time.Now()
	res := c.run()
	c.opts.Metrics.observe(res, time.Since(start).Seconds())

	c.mu.Lock()
	c.result = res
	c.mu.Unlock()
	return res
}

func (c *Controller) run() Result {
	res := Result{ReadOnly: c.opts.ReadOnly}
	fail := func(err error) Result {
		c.setState(Failed)
		res.State = Failed
		res.Err = err
		c.logger.Error("recovery failed", zap.Error(err))
		return res
	}

	// NotStarted -> Scanning
	c.setState(Scanning)

	cp, hasCheckpoint, err := c.store.LastCheckpoint()
	if err != nil {
		return fail(fmt.Errorf("recovery: failed to read checkpoint: %w", err))
	}
	res.LastTxID = cp.TxID

	readers, summaries, err := c.scan(cp, hasCheckpoint)
	res.Scanned = summaries
	if err != nil {
		return fail(err)
	}

	clean := true
	if n := len(summaries); n > 0 {
		clean = summaries[n-1].Clean()
	}
	res.CleanShutdown = clean

	if err := c.checkVersions(summaries); err != nil {
		return fail(err)
	}
	for _, s := range summaries {
		if s.Header.Version < txlog.CurrentFormatVersion {
			res.Upgraded = true
		}
	}

	c.logger.Info("scanned transaction log",
		zap.Int("segments", len(summaries)),
		zap.Bool("checkpoint", hasCheckpoint),
		zap.Uint64("checkpoint_segment", cp.Segment),
		zap.Uint64("checkpoint_tx", cp.TxID),
		zap.Bool("clean_shutdown", clean),
		zap.Bool("upgrade", res.Upgraded))

	// Scanning -> Replaying
	c.setState(Replaying)
	if err := c.replay(readers, cp.TxID, &res); err != nil {
		return fail(err)
	}

	// Replaying -> Complete
	next := uint64(1)
	if newest, ok := c.log.Newest(); ok {
		next = newest + 1
	}
	res.Checkpoint = txlog.Checkpoint{
		Segment:  next,
		TxID:     res.LastTxID,
		Time:     time.Now().UTC(),
		Instance: c.opts.Instance,
	}
	if err := c.store.Checkpoint(res.Checkpoint); err != nil {
		return fail(fmt.Errorf("recovery: failed to checkpoint store: %w", err))
	}
	if err := c.gate.Open(c.opts.ReadOnly); err != nil {
		return fail(err)
	}

	c.setState(Complete)
	res.State = Complete
	c.logger.Info("recovery complete",
		zap.Int("replayed", res.Replayed),
		zap.Uint64("last_tx", res.LastTxID),
		zap.Bool("read_only", c.opts.ReadOnly))
	return res
}

// scan inspects every segment not covered by the checkpoint.
func (c *Controller) scan(cp txlog.Checkpoint, hasCheckpoint bool) ([]*txlog.SegmentReader, []txlog.SegmentSummary, error) {
	var (
		readers   []*txlog.SegmentReader
		summaries []txlog.SegmentSummary
	)
	for _, seq := range c.log.Segments() {
		if hasCheckpoint && seq < cp.Segment {
			continue
		}
		r, err := c.log.Reader(seq)
		if err != nil {
			return readers, summaries, err
		}
		s := r.Inspect()
		summaries = append(summaries, s)
		if s.Err != nil {
			return readers, summaries, fmt.Errorf("recovery: segment %d unreadable: %w", seq, s.Err)
		}
		if s.Header.LogID != seq {
			return readers, summaries, fmt.Errorf("%w: segment %d carries log id %d",
				txlog.ErrMalformedHeader, seq, s.Header.LogID)
		}
		if s.TornTail {
			c.logger.Warn("discarding torn tail",
				zap.Uint64("segment", seq),
				zap.Int64("last_valid_offset", s.LastValidOffset),
				zap.Int64("size", s.Size))
		}
		readers = append(readers, r)
	}
	return readers, summaries, nil
}

// checkVersions rejects segments newer than this build, and older-format
// segments that were not sealed or end in a torn record. An older segment
// that was sealed was closed by a clean shutdown of the build that wrote it,
// whatever happened to the segments after it.
func (c *Controller) checkVersions(summaries []txlog.SegmentSummary) error {
	for _, s := range summaries {
		v := s.Header.Version
		switch {
		case v > txlog.CurrentFormatVersion:
			return &VersionSkewError{Segment: s.Segment, Expected: txlog.CurrentFormatVersion, Found: v, CleanShutdown: s.Clean()}
		case v < txlog.CurrentFormatVersion && !s.Clean():
			return &VersionSkewError{Segment: s.Segment, Expected: txlog.CurrentFormatVersion, Found: v, CleanShutdown: false}
		}
	}
	return nil
}

// replay applies every record with TxID > afterTx in log order.
func (c *Controller) replay(readers []*txlog.SegmentReader, afterTx uint64, res *Result) error {
	prev := afterTx
	var lastSeen uint64
	for _, r := range readers {
		for at := range r.ReadAll() {
			rec := at.Record
			if lastSeen != 0 && rec.TxID <= lastSeen {
				return fmt.Errorf("%w: tx %d follows tx %d (segment %d, offset %d)",
					ErrOutOfOrder, rec.TxID, lastSeen, at.Segment, at.Offset)
			}
			lastSeen = rec.TxID
			if rec.TxID <= afterTx {
				continue
			}

			for _, op := range rec.Operations {
				if err := c.store.ApplyOperation(op); err != nil {
					return &StoreApplyError{
						TxID:    rec.TxID,
						Segment: at.Segment,
						Offset:  at.Offset,
						Op:      op,
						Err:     err,
					}
				}
				res.Operations++
			}
			res.Replayed++
			prev = rec.TxID
		}
		if s := r.Summary(); s.Err != nil {
			return fmt.Errorf("recovery: segment %d changed during replay: %w", s.Segment, s.Err)
		}
	}
	res.LastTxID = max(prev, lastSeen)
	if res.Replayed > 0 {
		c.logger.Info("replayed transactions",
			zap.Int("records", res.Replayed),
			zap.Int("operations", res.Operations),
			zap.Uint64("from_tx", afterTx+1),
			zap.Uint64("to_tx", prev))
	}
	return nil
}

// IsVersionSkew reports whether err is a version skew failure.
func IsVersionSkew(err error) bool {
	return errors.Is(err, ErrVersionSkew)
}
