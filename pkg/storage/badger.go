package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/orneryd/nornicdb-kernel/pkg/txlog"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixNode          = byte(0x01) // nodes:nodeID -> Node
	prefixRelationship  = byte(0x02) // relationships:relID -> Relationship
	prefixOutgoingIndex = byte(0x04) // outgoing:nodeID:relID -> []byte{}
	prefixIncomingIndex = byte(0x05) // incoming:nodeID:relID -> []byte{}
	prefixMeta          = byte(0x08) // meta:name -> value
)

// checkpointKey holds the encoded checkpoint.
var checkpointKey = []byte{prefixMeta, 'c', 'h', 'e', 'c', 'k', 'p', 'o', 'i', 'n', 't'}

// defaultNodeCacheSize bounds the hot node cache.
const defaultNodeCacheSize = 10000

// BadgerStore provides persistent storage using BadgerDB.
//
// Key Structure:
//   - Nodes: 0x01 + nodeID -> JSON(Node)
//   - Relationships: 0x02 + relID -> JSON(Relationship)
//   - Outgoing Index: 0x04 + nodeID + 0x00 + relID -> empty
//   - Incoming Index: 0x05 + nodeID + 0x00 + relID -> empty
//   - Checkpoint: 0x08 + "checkpoint" -> blake2b(JSON) + JSON(Checkpoint)
//
// Every ApplyOperation runs in one badger transaction, so an operation is
// either fully visible or not at all.
type BadgerStore struct {
	db       *badger.DB
	mu       sync.RWMutex
	closed   bool
	inMemory bool

	// Hot node cache. Entries are deep copies.
	nodeCache    map[string]*Node
	nodeCacheMu  sync.RWMutex
	nodeCacheMax int
	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// LowMemory reduces memtable and cache sizes.
	LowMemory bool

	// Logger receives BadgerDB's internal logging. Nil keeps badger quiet.
	Logger *zap.Logger
}

// NewBadgerStore opens a persistent store in dataDir.
func NewBadgerStore(dataDir string) (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{DataDir: dataDir, SyncWrites: true})
}

// NewBadgerStoreInMemory creates an in-memory BadgerDB for testing.
//
// Example:
//
//	store, err := storage.NewBadgerStoreInMemory()
//	if err != nil {
//		t.Fatal(err)
//	}
//	defer store.Close()
func NewBadgerStoreInMemory() (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerStoreWithOptions creates a BadgerStore with custom configuration.
func NewBadgerStoreWithOptions(opts BadgerOptions) (*BadgerStore, error) {
	dir := opts.DataDir
	if opts.InMemory {
		dir = ""
	} else if dir == "" {
		return nil, fmt.Errorf("storage: badger data directory is required")
	}
	badgerOpts := badger.DefaultOptions(dir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(badgerLogger{opts.Logger.Named("badger").Sugar()})
	} else {
		// Use a quiet logger by default
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	if opts.LowMemory {
		// LOW MEMORY MODE: Minimize RAM usage
		badgerOpts = badgerOpts.
			WithMemTableSize(8 << 20).      // 8MB memtable
			WithValueLogFileSize(32 << 20). // 32MB value log
			WithNumMemtables(1).            // Single memtable
			WithNumLevelZeroTables(1).      // Aggressive compaction
			WithNumLevelZeroTablesStall(2).
			WithBlockCacheSize(8 << 20). // 8MB block cache
			WithIndexCacheSize(4 << 20)  // 4MB index cache
	} else {
		// DEFAULT: Balanced settings
		badgerOpts = badgerOpts.
			WithMemTableSize(64 << 20).      // 64MB memtable (default)
			WithValueLogFileSize(128 << 20). // 128MB value log
			WithNumMemtables(3).
			WithValueThreshold(64 << 10). // 64KB threshold
			WithBlockCacheSize(64 << 20).
			WithIndexCacheSize(32 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerStore{
		db:           db,
		inMemory:     opts.InMemory,
		nodeCache:    make(map[string]*Node, 1024),
		nodeCacheMax: defaultNodeCacheSize,
	}, nil
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

// IsInMemory returns true if the store is running in memory-only mode.
func (b *BadgerStore) IsInMemory() bool {
	return b.inMemory
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func nodeKey(id string) []byte {
	return append([]byte{prefixNode}, id...)
}

func relationshipKey(id string) []byte {
	return append([]byte{prefixRelationship}, id...)
}

func indexKey(prefix byte, nodeID, relID string) []byte {
	key := make([]byte, 0, 1+len(nodeID)+1+len(relID))
	key = append(key, prefix)
	key = append(key, nodeID...)
	key = append(key, 0x00)
	key = append(key, relID...)
	return key
}

func indexPrefix(prefix byte, nodeID string) []byte {
	key := make([]byte, 0, 1+len(nodeID)+1)
	key = append(key, prefix)
	key = append(key, nodeID...)
	key = append(key, 0x00)
	return key
}

// ============================================================================
// Transaction helpers
// ============================================================================

func (b *BadgerStore) ensureOpen() error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrStorageClosed
	}
	return nil
}

func (b *BadgerStore) withView(fn func(txn *badger.Txn) error) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return b.db.View(fn)
}

func (b *BadgerStore) withUpdate(fn func(txn *badger.Txn) error) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return b.db.Update(fn)
}

func badgerIterOptsKeyOnly(prefix []byte) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	return opts
}

// ============================================================================
// Store implementation
// ============================================================================

// ApplyOperation applies op in a single badger transaction.
func (b *BadgerStore) ApplyOperation(op txlog.Operation) error {
	var touched []string
	err := b.withUpdate(func(txn *badger.Txn) error {
		m := &badgerMutator{txn: txn}
		if err := apply(m, op); err != nil {
			return err
		}
		touched = m.touchedNodes
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range touched {
		b.cacheDeleteNode(id)
	}
	return nil
}

// Checkpoint stores cp and, unless in memory, syncs BadgerDB to disk.
func (b *BadgerStore) Checkpoint(cp txlog.Checkpoint) error {
	value, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	if err := b.withUpdate(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey, value)
	}); err != nil {
		return fmt.Errorf("storage: failed to write checkpoint: %w", err)
	}
	if b.inMemory {
		return nil
	}
	if err := b.db.Sync(); err != nil {
		return fmt.Errorf("storage: failed to sync checkpoint: %w", err)
	}
	return nil
}

// LastCheckpoint returns the stored checkpoint. A stored value whose
// checksum does not match returns ErrCheckpointCorrupted.
func (b *BadgerStore) LastCheckpoint() (txlog.Checkpoint, bool, error) {
	var (
		cp    txlog.Checkpoint
		found bool
	)
	err := b.withView(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeCheckpoint(val)
			if err != nil {
				return err
			}
			cp, found = decoded, true
			return nil
		})
	})
	if err != nil {
		return txlog.Checkpoint{}, false, err
	}
	return cp, found, nil
}

// GetNode retrieves a node by ID, serving hot nodes from the cache.
func (b *BadgerStore) GetNode(id string) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	b.nodeCacheMu.RLock()
	cached, ok := b.nodeCache[id]
	b.nodeCacheMu.RUnlock()
	if ok {
		b.cacheHits.Add(1)
		return copyNode(cached), nil
	}
	b.cacheMisses.Add(1)

	var node *Node
	err := b.withView(func(txn *badger.Txn) error {
		var err error
		node, err = getNodeInTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	b.cacheStoreNode(node)
	return node, nil
}

// GetRelationship retrieves a relationship by ID.
func (b *BadgerStore) GetRelationship(id string) (*Relationship, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	var rel *Relationship
	err := b.withView(func(txn *badger.Txn) error {
		var err error
		rel, err = getRelationshipInTxn(txn, id)
		return err
	})
	return rel, err
}

// OutgoingRelationships returns the relationships starting at nodeID, ordered by ID.
func (b *BadgerStore) OutgoingRelationships(nodeID string) ([]*Relationship, error) {
	var rels []*Relationship
	err := b.withView(func(txn *badger.Txn) error {
		ids, err := indexedRelationships(txn, indexPrefix(prefixOutgoingIndex, nodeID))
		if err != nil {
			return err
		}
		for _, id := range ids {
			rel, err := getRelationshipInTxn(txn, id)
			if err != nil {
				return fmt.Errorf("storage: dangling outgoing index %s -> %s: %w", nodeID, id, err)
			}
			rels = append(rels, rel)
		}
		return nil
	})
	return rels, err
}

// Stats counts nodes and relationships by scanning their key ranges.
func (b *BadgerStore) Stats() (Stats, error) {
	var stats Stats
	err := b.withView(func(txn *badger.Txn) error {
		stats.Nodes = countPrefix(txn, []byte{prefixNode})
		stats.Relationships = countPrefix(txn, []byte{prefixRelationship})
		return nil
	})
	return stats, err
}

// CacheStats returns node cache hits and misses.
func (b *BadgerStore) CacheStats() (hits, misses int64) {
	return b.cacheHits.Load(), b.cacheMisses.Load()
}

// ClearCache drops every cached node.
func (b *BadgerStore) ClearCache() {
	b.nodeCacheMu.Lock()
	b.nodeCache = make(map[string]*Node, 1024)
	b.nodeCacheMu.Unlock()
}

// Close closes the BadgerDB.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func (b *BadgerStore) cacheStoreNode(node *Node) {
	b.nodeCacheMu.Lock()
	// Simple eviction: if cache is too large, clear it.
	if b.nodeCacheMax > 0 && len(b.nodeCache) >= b.nodeCacheMax {
		b.nodeCache = make(map[string]*Node, 1024)
	}
	b.nodeCache[node.ID] = copyNode(node)
	b.nodeCacheMu.Unlock()
}

func (b *BadgerStore) cacheDeleteNode(id string) {
	b.nodeCacheMu.Lock()
	delete(b.nodeCache, id)
	b.nodeCacheMu.Unlock()
}

// ============================================================================
// In-transaction helpers
// ============================================================================

func getNodeInTxn(txn *badger.Txn, id string) (*Node, error) {
	var node Node
	if err := getJSON(txn, nodeKey(id), &node); err != nil {
		return nil, err
	}
	if node.Properties == nil {
		node.Properties = make(map[string]any)
	}
	return &node, nil
}

func getRelationshipInTxn(txn *badger.Txn, id string) (*Relationship, error) {
	var rel Relationship
	if err := getJSON(txn, relationshipKey(id), &rel); err != nil {
		return nil, err
	}
	if rel.Properties == nil {
		rel.Properties = make(map[string]any)
	}
	return &rel, nil
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: failed to encode value: %w", err)
	}
	return txn.Set(key, data)
}

// indexedRelationships returns the relationship IDs stored under an index prefix.
func indexedRelationships(txn *badger.Txn, prefix []byte) ([]string, error) {
	it := txn.NewIterator(badgerIterOptsKeyOnly(prefix))
	defer it.Close()

	var ids []string
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		ids = append(ids, string(key[len(prefix):]))
	}
	return ids, nil
}

func countPrefix(txn *badger.Txn, prefix []byte) int64 {
	it := txn.NewIterator(badgerIterOptsKeyOnly(prefix))
	defer it.Close()

	var n int64
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

// badgerMutator implements mutator inside one badger transaction and
// records which nodes it touched for cache invalidation.
type badgerMutator struct {
	txn          *badger.Txn
	touchedNodes []string
}

func (m *badgerMutator) getNode(id string) (*Node, error) {
	return getNodeInTxn(m.txn, id)
}

func (m *badgerMutator) putNode(n *Node) error {
	m.touchedNodes = append(m.touchedNodes, n.ID)
	return setJSON(m.txn, nodeKey(n.ID), n)
}

func (m *badgerMutator) deleteNode(id string) error {
	if _, err := m.getNode(id); errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	m.touchedNodes = append(m.touchedNodes, id)

	for _, prefix := range [][]byte{
		indexPrefix(prefixOutgoingIndex, id),
		indexPrefix(prefixIncomingIndex, id),
	} {
		ids, err := indexedRelationships(m.txn, prefix)
		if err != nil {
			return err
		}
		for _, relID := range ids {
			if err := m.deleteRelationship(relID); err != nil {
				return err
			}
		}
	}
	return m.txn.Delete(nodeKey(id))
}

func (m *badgerMutator) getRelationship(id string) (*Relationship, error) {
	return getRelationshipInTxn(m.txn, id)
}

func (m *badgerMutator) putRelationship(r *Relationship) error {
	old, err := m.getRelationship(r.ID)
	switch {
	case err == nil:
		if err := m.unindex(old); err != nil {
			return err
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}

	if err := setJSON(m.txn, relationshipKey(r.ID), r); err != nil {
		return err
	}
	if err := m.txn.Set(indexKey(prefixOutgoingIndex, r.From, r.ID), []byte{}); err != nil {
		return err
	}
	return m.txn.Set(indexKey(prefixIncomingIndex, r.To, r.ID), []byte{})
}

func (m *badgerMutator) deleteRelationship(id string) error {
	r, err := m.getRelationship(id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.unindex(r); err != nil {
		return err
	}
	return m.txn.Delete(relationshipKey(id))
}

func (m *badgerMutator) unindex(r *Relationship) error {
	if err := m.txn.Delete(indexKey(prefixOutgoingIndex, r.From, r.ID)); err != nil {
		return err
	}
	return m.txn.Delete(indexKey(prefixIncomingIndex, r.To, r.ID))
}
