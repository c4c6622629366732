// Package kernel ties the transaction log, the store layer, recovery and the
// write-gate together into an embeddable graph database kernel.
//
// Open runs recovery synchronously before returning. A kernel is only ever
// handed out when recovery completed; otherwise Open returns a
// *StartupError carrying the recovery result.
//
// Example Usage:
//
//	cfg := config.LoadDefaults()
//	k, err := kernel.Open(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer k.Shutdown()
//
//	tx := k.Begin()
//	alice, _ := tx.CreateNode(map[string]any{"name": "Alice"})
//	bob, _ := tx.CreateNode(map[string]any{"name": "Bob"})
//	tx.CreateRelationship(alice, bob, "KNOWS", nil)
//	if _, err := tx.Commit(); err != nil {
//		log.Fatal(err)
//	}
//
// Every committed transaction is one record in the log, fsynced before the
// store is touched. Mutations require a transaction: the kernel-level
// mutators exist only to report gate.ErrNoActiveTransaction.
package kernel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/nornicdb-kernel/pkg/config"
	"github.com/orneryd/nornicdb-kernel/pkg/fsys"
	"github.com/orneryd/nornicdb-kernel/pkg/gate"
	"github.com/orneryd/nornicdb-kernel/pkg/logging"
	"github.com/orneryd/nornicdb-kernel/pkg/recovery"
	"github.com/orneryd/nornicdb-kernel/pkg/storage"
	"github.com/orneryd/nornicdb-kernel/pkg/txlog"
)

// Kernel is an open database.
type Kernel struct {
	cfg      *config.Config
	log      *txlog.LogicalLog
	store    storage.Store
	gate     *gate.Gate
	logger   *zap.Logger
	startup  recovery.Result
	instance string

	// ownsStore is set when Open created the store and must close it.
	ownsStore bool
	// durable is false for stores that do not survive a restart; their
	// checkpoints must not prune the log.
	durable bool

	// commitMu serializes commit, checkpoint and shutdown so that commit
	// order equals log order equals apply order.
	commitMu sync.Mutex
	lastTx   uint64
	closed   atomic.Bool

	// degraded is set when a logged transaction could not be applied to
	// the store. The store and the log disagree until the next restart
	// replays the record, so commits and checkpoints are refused.
	degraded    atomic.Bool
	degradedErr error
}

// Open opens the kernel described by cfg and runs recovery. A nil cfg uses
// config.LoadDefaults.
func Open(cfg *config.Config, opts ...Option) (*Kernel, error) {
	if cfg == nil {
		cfg = config.LoadDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.fs == nil {
		o.fs = fsys.NewOS()
	}
	if o.logger == nil {
		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
		o.logger = logger
	}

	var (
		logMetrics      *txlog.Metrics
		recoveryMetrics *recovery.Metrics
	)
	if o.registerer != nil {
		logMetrics = txlog.NewMetrics(o.registerer)
		recoveryMetrics = recovery.NewMetrics(o.registerer)
	}

	k := &Kernel{
		cfg:      cfg,
		gate:     gate.New(),
		logger:   o.logger,
		instance: uuid.NewString(),
		durable:  true,
	}

	log, err := txlog.Open(o.fs, cfg.LogDir(), txlog.Options{
		RotationThreshold: cfg.Log.RotationThreshold,
		Logger:            o.logger,
		Metrics:           logMetrics,
	})
	if err != nil {
		return nil, err
	}
	k.log = log

	if o.store != nil {
		k.store = o.store
	} else {
		if k.store, err = k.openStore(); err != nil {
			log.CloseUnclean()
			return nil, err
		}
		k.ownsStore = true
	}

	ctrl := recovery.New(log, k.store, k.gate, recovery.Options{
		ReadOnly: cfg.Database.ReadOnly,
		Instance: k.instance,
		Logger:   o.logger,
		Metrics:  recoveryMetrics,
	})
	k.startup = ctrl.Run()
	if !k.startup.Available() {
		k.release(log.CloseUnclean())
		return nil, &StartupError{Reason: k.startup.Err, Result: k.startup}
	}
	k.lastTx = k.startup.LastTxID

	if !cfg.Database.ReadOnly {
		if err := log.StartWriting(); err != nil {
			k.release(log.CloseUnclean())
			return nil, fmt.Errorf("kernel: failed to start writing: %w", err)
		}
	}

	k.logger.Info("kernel started",
		zap.String("instance", k.instance),
		zap.String("gate", k.gate.State().String()),
		zap.Uint64("last_tx", k.lastTx),
		zap.Uint64("active_segment", log.Active()))
	return k, nil
}

func (k *Kernel) openStore() (storage.Store, error) {
	switch k.cfg.Storage.Engine {
	case config.EngineMemory:
		k.durable = false
		return storage.NewMemoryStore(), nil
	default:
		k.durable = !k.cfg.Storage.InMemory
		store, err := storage.NewBadgerStoreWithOptions(storage.BadgerOptions{
			DataDir:    k.cfg.StorePath(),
			InMemory:   k.cfg.Storage.InMemory,
			SyncWrites: k.cfg.Storage.SyncWrites,
			Logger:     k.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("kernel: failed to open store: %w", err)
		}
		return store, nil
	}
}

// release closes the store if the kernel owns it, logging closeErr and any
// store error.
func (k *Kernel) release(closeErr error) {
	if closeErr != nil {
		k.logger.Warn("failed to close transaction log", zap.Error(closeErr))
	}
	if k.ownsStore {
		if err := k.store.Close(); err != nil {
			k.logger.Warn("failed to close store", zap.Error(err))
		}
	}
}

// Startup returns the recovery result of this kernel's startup.
func (k *Kernel) Startup() recovery.Result { return k.startup }

// Gate returns the write-gate.
func (k *Kernel) Gate() *gate.Gate { return k.gate }

// Log returns the transaction log, for maintenance operations.
func (k *Kernel) Log() *txlog.LogicalLog { return k.log }

// Instance returns the id stamped into this kernel's checkpoints.
func (k *Kernel) Instance() string { return k.instance }

// IsWriteAllowed reports whether transactions may commit mutations.
func (k *Kernel) IsWriteAllowed() bool {
	return !k.closed.Load() && k.gate.IsWriteAllowed()
}

// LastTxID returns the id of the last committed transaction.
func (k *Kernel) LastTxID() uint64 {
	k.commitMu.Lock()
	defer k.commitMu.Unlock()
	return k.lastTx
}

// Begin starts a transaction. Beginning never fails; mutations inside a
// transaction are refused with gate.ErrWriteBlocked when the kernel is
// read-only.
func (k *Kernel) Begin() *Tx {
	return newTx(k)
}

// commit logs ops as the next transaction and applies them to the store.
func (k *Kernel) commit(ops []txlog.Operation) (uint64, error) {
	for _, op := range ops {
		if err := storage.ValidateOperation(op); err != nil {
			return 0, err
		}
	}

	var txID uint64
	err := k.gate.Guard(true, func() error {
		k.commitMu.Lock()
		defer k.commitMu.Unlock()

		if k.closed.Load() {
			return ErrClosed
		}
		if k.degraded.Load() {
			return k.degradedLocked()
		}

		rec := &txlog.TransactionRecord{
			TxID:       k.lastTx + 1,
			Timestamp:  time.Now().UTC(),
			Operations: ops,
		}
		if _, err := k.log.Append(rec); err != nil {
			return fmt.Errorf("kernel: failed to log tx %d: %w", rec.TxID, err)
		}
		k.lastTx = rec.TxID

		for _, op := range ops {
			if err := k.store.ApplyOperation(op); err != nil {
				// The record is durable and recovery replays it on the next
				// start. Until then the store is behind the log.
				k.degradedErr = fmt.Errorf("kernel: tx %d logged but not applied: %w", rec.TxID, err)
				k.degraded.Store(true)
				k.logger.Error("store rejected committed operation, kernel degraded until restart",
					zap.Uint64("tx", rec.TxID),
					zap.Stringer("op", op),
					zap.Error(err))
				return k.degradedLocked()
			}
		}
		txID = rec.TxID
		return nil
	})
	return txID, err
}

func (k *Kernel) degradedLocked() error {
	return fmt.Errorf("%w: %w", ErrDegraded, k.degradedErr)
}

// IsDegraded reports whether a committed transaction failed to reach the
// store. A degraded kernel serves reads but refuses commits and checkpoints;
// restarting replays the transaction from the log.
func (k *Kernel) IsDegraded() bool {
	return k.degraded.Load()
}

// Checkpoint records in the store that every committed transaction is
// applied, then prunes the segments the checkpoint covers when
// log.prune_on_checkpoint is set.
func (k *Kernel) Checkpoint() (txlog.Checkpoint, error) {
	k.commitMu.Lock()
	defer k.commitMu.Unlock()

	if k.closed.Load() {
		return txlog.Checkpoint{}, ErrClosed
	}
	if !k.gate.IsWriteAllowed() {
		return txlog.Checkpoint{}, gate.ErrWriteBlocked
	}
	if k.degraded.Load() {
		return txlog.Checkpoint{}, k.degradedLocked()
	}
	return k.checkpointLocked()
}

func (k *Kernel) checkpointLocked() (txlog.Checkpoint, error) {
	cp := txlog.Checkpoint{
		Segment:  k.log.Active(),
		TxID:     k.lastTx,
		Time:     time.Now().UTC(),
		Instance: k.instance,
	}
	if err := k.store.Checkpoint(cp); err != nil {
		return cp, fmt.Errorf("kernel: failed to checkpoint: %w", err)
	}

	if k.cfg.Log.PruneOnCheckpoint && k.durable && cp.Segment > 0 {
		if _, err := k.log.PruneThrough(cp.Segment); err != nil {
			return cp, err
		}
	}
	return cp, nil
}

// Shutdown checkpoints, seals the active segment and closes the kernel. The
// next Open sees a clean shutdown.
func (k *Kernel) Shutdown() error {
	k.commitMu.Lock()
	defer k.commitMu.Unlock()

	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if k.degraded.Load() {
		k.logger.Warn("skipping shutdown checkpoint of degraded kernel", zap.Error(k.degradedErr))
	} else if k.gate.IsWriteAllowed() {
		if _, err := k.checkpointLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := k.log.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kernel: failed to seal log: %w", err))
	}
	if k.ownsStore {
		if err := k.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	k.logger.Info("kernel shut down",
		zap.Uint64("last_tx", k.lastTx),
		zap.Bool("clean", len(errs) == 0))
	return errors.Join(errs...)
}

// Crash closes the kernel the way a process kill would: the active segment
// is left unsealed and no checkpoint is written.
func (k *Kernel) Crash() error {
	k.commitMu.Lock()
	defer k.commitMu.Unlock()

	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := k.log.CloseUnclean()
	if k.ownsStore {
		err = errors.Join(err, k.store.Close())
	}
	k.logger.Warn("kernel crashed", zap.Uint64("last_tx", k.lastTx))
	return err
}

// readable returns ErrClosed after shutdown and ErrWriteBlocked when the
// gate never opened.
func (k *Kernel) readable() error {
	if k.closed.Load() {
		return ErrClosed
	}
	if !k.gate.IsReadAllowed() {
		return gate.ErrWriteBlocked
	}
	return nil
}

// GetNode returns a copy of node id.
func (k *Kernel) GetNode(id string) (*storage.Node, error) {
	if err := k.readable(); err != nil {
		return nil, err
	}
	return k.store.GetNode(id)
}

// GetRelationship returns a copy of relationship id.
func (k *Kernel) GetRelationship(id string) (*storage.Relationship, error) {
	if err := k.readable(); err != nil {
		return nil, err
	}
	return k.store.GetRelationship(id)
}

// OutgoingRelationships returns the relationships starting at nodeID.
func (k *Kernel) OutgoingRelationships(nodeID string) ([]*storage.Relationship, error) {
	if err := k.readable(); err != nil {
		return nil, err
	}
	return k.store.OutgoingRelationships(nodeID)
}

// NodeProperty returns property key of node id. The boolean is false when
// the node exists but has no such property.
func (k *Kernel) NodeProperty(id, key string) (any, bool, error) {
	node, err := k.GetNode(id)
	if err != nil {
		return nil, false, err
	}
	v, ok := node.Properties[key]
	return v, ok, nil
}

// Stats returns entity counts.
func (k *Kernel) Stats() (storage.Stats, error) {
	if err := k.readable(); err != nil {
		return storage.Stats{}, err
	}
	return k.store.Stats()
}

// ClearCache drops the store's caches so the next read goes to storage.
func (k *Kernel) ClearCache() {
	k.store.ClearCache()
}

// The graph API layer calls the methods below when a mutation arrives
// outside a transaction boundary. The kernel has no implicit transactions,
// so each one reports the gate's verdict for a call with no open
// transaction: gate.ErrNoActiveTransaction. Mutations go through Begin and
// the Tx methods of the same name.

func (k *Kernel) CreateNode(props map[string]any) (string, error) {
	return "", k.gate.Check(false)
}

func (k *Kernel) SetNodeProperty(id, key string, value any) error {
	return k.gate.Check(false)
}

func (k *Kernel) RemoveNodeProperty(id, key string) error {
	return k.gate.Check(false)
}

func (k *Kernel) DeleteNode(id string) error {
	return k.gate.Check(false)
}

func (k *Kernel) CreateRelationship(from, to, relType string, props map[string]any) (string, error) {
	return "", k.gate.Check(false)
}

func (k *Kernel) SetRelationshipProperty(id, key string, value any) error {
	return k.gate.Check(false)
}

func (k *Kernel) RemoveRelationshipProperty(id, key string) error {
	return k.gate.Check(false)
}

func (k *Kernel) DeleteRelationship(id string) error {
	return k.gate.Check(false)
}
