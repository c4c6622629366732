package txlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/orneryd/nornicdb-kernel/pkg/fsys"
)

// Segment errors
var (
	ErrSegmentSealed = errors.New("txlog: segment sealed")
	ErrSegmentClosed = errors.New("txlog: segment closed")
	ErrSegmentExists = errors.New("txlog: segment already exists")
	ErrWriterFailed  = errors.New("txlog: writer failed, segment may hold a torn frame")
)

// RecordAt is a record together with its position in the log.
type RecordAt struct {
	Segment uint64
	Offset  int64
	Record  *TransactionRecord
}

// SegmentSummary describes what a reader found in a segment.
type SegmentSummary struct {
	Segment uint64
	Path    string
	Header  Header
	Size    int64

	// LastValidOffset is the end of the last complete frame. Everything past
	// it is a torn tail.
	LastValidOffset int64
	Records         int
	FirstTxID       uint64
	LastTxID        uint64

	// Sealed is set when a seal frame was found.
	Sealed bool
	// TornTail is set when bytes follow the last valid frame.
	TornTail bool

	// Err holds header decode and I/O failures. A torn tail is not an error.
	Err error
}

// Clean reports whether the segment was sealed and nothing follows the seal.
func (s SegmentSummary) Clean() bool {
	return s.Err == nil && s.Sealed && !s.TornTail
}

// SegmentWriter appends frames to one segment file.
//
// Every Append is a single mutex region covering offset allocation, the
// write and the fsync, so commit order equals log order.
type SegmentWriter struct {
	mu     sync.Mutex
	file   fsys.File
	path   string
	seq    uint64
	header Header
	offset int64
	sealed bool
	closed bool
	failed error
}

// createSegment creates a new segment file and writes its header. It never
// opens an existing segment: old segments are not appended to.
func createSegment(fs fsys.FS, path string, seq uint64, version uint8) (*SegmentWriter, error) {
	exists, err := fsys.Exists(fs, path)
	if err != nil {
		return nil, fmt.Errorf("txlog: failed to stat %s: %w", path, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrSegmentExists, path)
	}

	file, err := fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("txlog: failed to create segment %d: %w", seq, err)
	}

	header := Header{Version: version, LogID: seq}
	hb := EncodeHeader(header.Version, header.LogID)
	if _, err := file.Write(hb[:]); err != nil {
		file.Close()
		return nil, fmt.Errorf("txlog: failed to write header of segment %d: %w", seq, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("txlog: failed to sync segment %d: %w", seq, err)
	}
	if err := fsys.SyncDir(fs, filepath.Dir(path)); err != nil {
		file.Close()
		return nil, err
	}

	return &SegmentWriter{
		file:   file,
		path:   path,
		seq:    seq,
		header: header,
		offset: HeaderSize,
	}, nil
}

// Append writes rec as one frame, fsyncs, and returns the frame's offset.
func (w *SegmentWriter) Append(rec *TransactionRecord) (int64, error) {
	off, _, err := w.append(rec)
	return off, err
}

func (w *SegmentWriter) append(rec *TransactionRecord) (int64, int64, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, 0, fmt.Errorf("txlog: failed to encode record %d: %w", rec.TxID, err)
	}
	if len(payload) > MaxRecordSize {
		return 0, 0, fmt.Errorf("%w: tx %d is %d bytes", ErrRecordTooLarge, rec.TxID, len(payload))
	}
	frame := buildFrame(frameRecord, payload)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writableLocked(); err != nil {
		return 0, 0, err
	}

	off := w.offset
	if err := w.writeLocked(frame); err != nil {
		return 0, 0, fmt.Errorf("txlog: failed to append tx %d to segment %d: %w", rec.TxID, w.seq, err)
	}
	return off, int64(len(frame)), nil
}

func (w *SegmentWriter) writableLocked() error {
	switch {
	case w.failed != nil:
		return fmt.Errorf("%w: %v", ErrWriterFailed, w.failed)
	case w.sealed:
		return ErrSegmentSealed
	case w.closed:
		return ErrSegmentClosed
	}
	return nil
}

// writeLocked writes frame and fsyncs. Any failure poisons the writer: the
// bytes on disk past w.offset are unknown, so nothing may follow them.
func (w *SegmentWriter) writeLocked(frame []byte) error {
	if _, err := w.file.Write(frame); err != nil {
		w.failed = err
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.failed = err
		return err
	}
	w.offset += int64(len(frame))
	return nil
}

// Seal writes the end-of-segment marker, fsyncs and closes the file.
func (w *SegmentWriter) Seal() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writableLocked(); err != nil {
		return err
	}
	if err := w.writeLocked(buildFrame(frameSeal, nil)); err != nil {
		return fmt.Errorf("txlog: failed to seal segment %d: %w", w.seq, err)
	}
	w.sealed = true
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("txlog: failed to close segment %d: %w", w.seq, err)
	}
	return nil
}

// Close closes the file without sealing it. The segment then reads as an
// unclean shutdown.
func (w *SegmentWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sealed || w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// Size returns the number of bytes written, header included.
func (w *SegmentWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Seq returns the segment's sequence number.
func (w *SegmentWriter) Seq() uint64 { return w.seq }

// Path returns the segment file path.
func (w *SegmentWriter) Path() string { return w.path }

// Header returns the header written at the start of the segment.
func (w *SegmentWriter) Header() Header { return w.header }

// SegmentReader reads a segment sequentially.
type SegmentReader struct {
	fs   fsys.FS
	path string
	seq  uint64

	mu      sync.Mutex
	summary SegmentSummary
}

// NewSegmentReader returns a reader for the segment file at path. Callers
// normally obtain readers from LogicalLog.Reader.
func NewSegmentReader(fs fsys.FS, path string, seq uint64) *SegmentReader {
	return &SegmentReader{
		fs:      fs,
		path:    path,
		seq:     seq,
		summary: SegmentSummary{Segment: seq, Path: path},
	}
}

// ReadAll returns a lazy sequence over the records of the segment. Every
// iteration re-opens the file and starts from offset 0. Iteration stops at
// the first malformed, partial or truncated frame without failing; the
// boundary is reported by Summary once iteration finishes.
func (r *SegmentReader) ReadAll() iter.Seq[RecordAt] {
	return func(yield func(RecordAt) bool) {
		summary := r.scan(yield)
		r.mu.Lock()
		r.summary = summary
		r.mu.Unlock()
	}
}

// Summary returns the result of the most recent completed iteration.
func (r *SegmentReader) Summary() SegmentSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Inspect reads the whole segment and returns its summary.
func (r *SegmentReader) Inspect() SegmentSummary {
	for range r.ReadAll() {
	}
	return r.Summary()
}

func (r *SegmentReader) scan(yield func(RecordAt) bool) SegmentSummary {
	s := SegmentSummary{Segment: r.seq, Path: r.path}

	file, err := r.fs.Open(r.path)
	if err != nil {
		s.Err = fmt.Errorf("txlog: failed to open segment %d: %w", r.seq, err)
		return s
	}
	defer file.Close()

	if fi, err := file.Stat(); err == nil {
		s.Size = fi.Size()
	}

	reader := bufio.NewReader(file)
	var hb [HeaderSize]byte
	n, err := io.ReadFull(reader, hb[:])
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		s.Err = fmt.Errorf("txlog: failed to read header of segment %d: %w", r.seq, err)
		return s
	}
	s.Header, err = DecodeHeader(hb[:n])
	if err != nil {
		s.Err = fmt.Errorf("segment %d: %w", r.seq, err)
		return s
	}

	offset := int64(HeaderSize)
	s.LastValidOffset = offset
	for {
		kind, payload, size, err := readFrame(reader)
		if err == io.EOF || err == errTornFrame {
			break
		}
		if err != nil {
			s.Err = fmt.Errorf("txlog: failed to read segment %d at offset %d: %w", r.seq, offset, err)
			return s
		}

		if kind == frameSeal {
			offset += size
			s.LastValidOffset = offset
			s.Sealed = true
			break
		}

		var rec TransactionRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			// checksummed but undecodable: treat as the end of the valid prefix
			break
		}
		at := RecordAt{Segment: r.seq, Offset: offset, Record: &rec}
		offset += size
		s.LastValidOffset = offset
		if s.Records == 0 {
			s.FirstTxID = rec.TxID
		}
		s.Records++
		s.LastTxID = rec.TxID

		if !yield(at) {
			return s
		}
	}

	s.TornTail = s.Size > s.LastValidOffset
	return s
}
