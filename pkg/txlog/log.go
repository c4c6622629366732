package txlog

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/orneryd/nornicdb-kernel/pkg/fsys"
)

// Log errors
var (
	ErrLogClosed       = errors.New("txlog: log closed")
	ErrNotWriting      = errors.New("txlog: no active segment")
	ErrAlreadyWriting  = errors.New("txlog: already writing")
	ErrSegmentNotFound = errors.New("txlog: segment not found")
	ErrSegmentActive   = errors.New("txlog: segment is being written")
)

// segmentPrefix is the file name prefix of every segment: txlog.v<seq>.
const segmentPrefix = "txlog.v"

// copySuffix is appended to a segment path by CopySegment.
const copySuffix = ".copy"

// SegmentFileName returns the file name of segment seq.
func SegmentFileName(seq uint64) string {
	return segmentPrefix + strconv.FormatUint(seq, 10)
}

// ParseSegmentFileName returns the sequence number encoded in name.
func ParseSegmentFileName(name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, segmentPrefix)
	if !ok || rest == "" || rest[0] == '0' {
		return 0, false
	}
	seq, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || seq == 0 || seq > MaxLogID {
		return 0, false
	}
	return seq, true
}

// Options configures a LogicalLog.
type Options struct {
	// RotationThreshold seals the active segment once it reaches this many
	// bytes. Zero disables size-based rotation.
	RotationThreshold int64

	Logger  *zap.Logger
	Metrics *Metrics
}

// Position locates a record in the log.
type Position struct {
	Segment uint64
	Offset  int64
}

// LogicalLog owns the ordered set of segments in a directory and the
// pointer to the active segment. Nothing else opens segment files.
//
// Appends hold the active pointer's read lock for their duration; rotation
// and the maintenance operations take the write lock, so a swap never races
// an in-flight append.
type LogicalLog struct {
	fs      fsys.FS
	dir     string
	opts    Options
	logger  *zap.Logger
	metrics *Metrics

	mu       sync.RWMutex
	segments []uint64
	active   *SegmentWriter
	closed   bool
}

// Open discovers the segments in dir, creating dir if needed. The log is
// read-only until StartWriting is called.
func Open(fs fsys.FS, dir string, opts Options) (*LogicalLog, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("txlog: failed to create log directory: %w", err)
	}

	names, err := fsys.ReadDirNames(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("txlog: failed to list log directory: %w", err)
	}
	var segments []uint64
	for _, name := range names {
		if seq, ok := ParseSegmentFileName(name); ok {
			segments = append(segments, seq)
		}
	}
	slices.Sort(segments)

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LogicalLog{
		fs:       fs,
		dir:      dir,
		opts:     opts,
		logger:   logger.With(zap.String("dir", dir)),
		metrics:  opts.Metrics,
		segments: segments,
	}, nil
}

// Dir returns the log directory.
func (l *LogicalLog) Dir() string { return l.dir }

// FS returns the file system the log lives on.
func (l *LogicalLog) FS() fsys.FS { return l.fs }

// Path returns the file path of segment seq.
func (l *LogicalLog) Path(seq uint64) string {
	return filepath.Join(l.dir, SegmentFileName(seq))
}

// Segments returns the known segment sequence numbers in ascending order.
func (l *LogicalLog) Segments() []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.segments)
}

// Newest returns the highest segment sequence number.
func (l *LogicalLog) Newest() (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.segments) == 0 {
		return 0, false
	}
	return l.segments[len(l.segments)-1], true
}

// Active returns the sequence number of the segment being written, or 0.
func (l *LogicalLog) Active() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.active == nil {
		return 0
	}
	return l.active.Seq()
}

// Reader returns a reader for segment seq.
func (l *LogicalLog) Reader(seq uint64) (*SegmentReader, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.hasLocked(seq) {
		return nil, fmt.Errorf("%w: %d", ErrSegmentNotFound, seq)
	}
	return NewSegmentReader(l.fs, l.Path(seq), seq), nil
}

func (l *LogicalLog) hasLocked(seq uint64) bool {
	_, found := slices.BinarySearch(l.segments, seq)
	return found
}

// StartWriting creates the next segment at CurrentFormatVersion and makes
// it active. Existing segments are never reopened for append.
func (l *LogicalLog) StartWriting() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	if l.active != nil {
		return ErrAlreadyWriting
	}
	return l.openNextLocked()
}

func (l *LogicalLog) openNextLocked() error {
	next := uint64(1)
	if n := len(l.segments); n > 0 {
		next = l.segments[n-1] + 1
	}
	w, err := createSegment(l.fs, l.Path(next), next, CurrentFormatVersion)
	if err != nil {
		return err
	}
	l.active = w
	l.segments = append(l.segments, next)
	l.metrics.setActive(next)
	l.logger.Info("opened log segment",
		zap.Uint64("segment", next),
		zap.Uint8("version", CurrentFormatVersion))
	return nil
}

// Append writes rec to the active segment and returns its position. The
// record is on stable storage when Append returns without error.
func (l *LogicalLog) Append(rec *TransactionRecord) (Position, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return Position{}, ErrLogClosed
	}
	w := l.active
	if w == nil {
		l.mu.RUnlock()
		return Position{}, ErrNotWriting
	}
	off, n, err := w.append(rec)
	size := w.Size()
	l.mu.RUnlock()

	if err != nil {
		return Position{}, err
	}
	l.metrics.observeAppend(n)
	pos := Position{Segment: w.Seq(), Offset: off}

	if l.opts.RotationThreshold > 0 && size >= l.opts.RotationThreshold {
		// The record is already durable; a failed rotation surfaces on the
		// next Append as ErrNotWriting or a writer error.
		if err := l.rotateIfActive(w.Seq()); err != nil {
			l.logger.Error("segment rotation failed",
				zap.Uint64("segment", w.Seq()),
				zap.Error(err))
		}
	}
	return pos, nil
}

// Rotate seals the active segment and opens the next one.
func (l *LogicalLog) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked()
}

// rotateIfActive rotates only if seq is still active, so concurrent
// appenders crossing the threshold rotate once.
func (l *LogicalLog) rotateIfActive(seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.active == nil || l.active.Seq() != seq {
		return nil
	}
	return l.rotateLocked()
}

func (l *LogicalLog) rotateLocked() error {
	if l.closed {
		return ErrLogClosed
	}
	if l.active == nil {
		return ErrNotWriting
	}
	old := l.active
	if err := old.Seal(); err != nil {
		return err
	}
	l.active = nil
	if err := l.openNextLocked(); err != nil {
		return err
	}
	l.metrics.observeRotation()
	l.logger.Info("rotated log segment",
		zap.Uint64("sealed", old.Seq()),
		zap.Int64("size", old.Size()))
	return nil
}

// Close seals the active segment (clean shutdown) and closes the log.
func (l *LogicalLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.active == nil {
		return nil
	}
	w := l.active
	l.active = nil
	if err := w.Seal(); err != nil {
		w.Close()
		return err
	}
	l.logger.Info("sealed log segment", zap.Uint64("segment", w.Seq()))
	return nil
}

// CloseUnclean closes the active segment without sealing it, leaving the
// log as a crash would.
func (l *LogicalLog) CloseUnclean() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.active == nil {
		return nil
	}
	w := l.active
	l.active = nil
	return w.Close()
}

// CopySegment copies segment seq next to itself and returns both paths.
func (l *LogicalLog) CopySegment(seq uint64) (original, copy string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hasLocked(seq) {
		return "", "", fmt.Errorf("%w: %d", ErrSegmentNotFound, seq)
	}
	original = l.Path(seq)
	copy = original + copySuffix
	if err := fsys.Copy(l.fs, original, copy); err != nil {
		return "", "", fmt.Errorf("txlog: failed to copy segment %d: %w", seq, err)
	}
	return original, copy, nil
}

// InstallAsActive replaces the newest segment with the file at copyPath.
// A segment being written is closed unsealed first; the log has no active
// segment afterwards until StartWriting is called.
func (l *LogicalLog) InstallAsActive(copyPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.segments) == 0 {
		return fmt.Errorf("%w: log is empty", ErrSegmentNotFound)
	}
	newest := l.segments[len(l.segments)-1]

	if l.active != nil {
		if err := l.active.Close(); err != nil {
			return fmt.Errorf("txlog: failed to close active segment: %w", err)
		}
		l.active = nil
	}

	target := l.Path(newest)
	if err := l.fs.Rename(copyPath, target); err != nil {
		return fmt.Errorf("txlog: failed to install %s as segment %d: %w", copyPath, newest, err)
	}
	if err := fsys.SyncDir(l.fs, l.dir); err != nil {
		return err
	}
	l.logger.Warn("installed segment copy",
		zap.String("source", copyPath),
		zap.Uint64("segment", newest))
	return nil
}

// PruneThrough removes every segment older than seq. The caller guarantees
// those segments are covered by a durable checkpoint. The active segment is
// never removed. Returns the number of segments removed.
func (l *LogicalLog) PruneThrough(seq uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	kept := l.segments[:0:0]
	for _, s := range l.segments {
		if s >= seq || (l.active != nil && l.active.Seq() == s) {
			kept = append(kept, s)
			continue
		}
		if err := l.fs.Remove(l.Path(s)); err != nil {
			l.segments = append(kept, l.segmentsFrom(s)...)
			return removed, fmt.Errorf("txlog: failed to remove segment %d: %w", s, err)
		}
		removed++
	}
	l.segments = kept
	if removed > 0 {
		l.logger.Info("pruned log segments",
			zap.Int("removed", removed),
			zap.Uint64("before", seq))
	}
	return removed, nil
}

func (l *LogicalLog) segmentsFrom(seq uint64) []uint64 {
	i, _ := slices.BinarySearch(l.segments, seq)
	return l.segments[i:]
}

// SetSegmentVersion rewrites the version byte of a segment header in place.
// It is a maintenance operation and refuses the segment being written.
func (l *LogicalLog) SetSegmentVersion(seq uint64, version uint8) (Header, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hasLocked(seq) {
		return Header{}, fmt.Errorf("%w: %d", ErrSegmentNotFound, seq)
	}
	if l.active != nil && l.active.Seq() == seq {
		return Header{}, fmt.Errorf("%w: %d", ErrSegmentActive, seq)
	}

	path := l.Path(seq)
	header, err := readHeader(l.fs, path)
	if err != nil {
		return Header{}, err
	}
	updated := header.WithVersion(version)
	b := EncodeHeader(updated.Version, updated.LogID)
	if err := fsys.WriteAt(l.fs, path, b[:], 0); err != nil {
		return Header{}, fmt.Errorf("txlog: failed to rewrite header of segment %d: %w", seq, err)
	}
	l.logger.Warn("rewrote segment version",
		zap.Uint64("segment", seq),
		zap.Uint8("from", header.Version),
		zap.Uint8("to", version))
	return updated, nil
}

// readHeader decodes the header of the file at path.
func readHeader(fs fsys.FS, path string) (Header, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("txlog: failed to open %s: %w", path, err)
	}
	defer f.Close()

	var b [HeaderSize]byte
	n, err := io.ReadFull(f, b[:])
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return Header{}, fmt.Errorf("txlog: failed to read header of %s: %w", path, err)
	}
	return DecodeHeader(b[:n])
}
