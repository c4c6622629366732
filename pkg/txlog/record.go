package txlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"
)

// OperationKind identifies a primitive store mutation.
type OperationKind string

// Operation kinds written by the kernel. The log treats them as opaque.
const (
	OpCreateNode                 OperationKind = "create_node"
	OpDeleteNode                 OperationKind = "delete_node"
	OpSetNodeProperty            OperationKind = "set_node_property"
	OpRemoveNodeProperty         OperationKind = "remove_node_property"
	OpCreateRelationship         OperationKind = "create_relationship"
	OpDeleteRelationship         OperationKind = "delete_relationship"
	OpSetRelationshipProperty    OperationKind = "set_relationship_property"
	OpRemoveRelationshipProperty OperationKind = "remove_relationship_property"
)

// Operation is one primitive mutation inside a transaction.
//
// ID names the node or relationship being mutated. Key/Value are used by
// property operations, Properties by creates, and From/To/Type by
// relationship creation.
type Operation struct {
	Kind       OperationKind  `json:"kind"`
	ID         string         `json:"id"`
	Key        string         `json:"key,omitempty"`
	Value      any            `json:"value,omitempty"`
	Properties map[string]any `json:"props,omitempty"`
	From       string         `json:"from,omitempty"`
	To         string         `json:"to,omitempty"`
	Type       string         `json:"type,omitempty"`
}

func (op Operation) String() string {
	if op.Key != "" {
		return fmt.Sprintf("%s(%s.%s)", op.Kind, op.ID, op.Key)
	}
	return fmt.Sprintf("%s(%s)", op.Kind, op.ID)
}

// TransactionRecord is one committed unit of work.
// A record whose frame is complete is committed; there is no separate marker.
type TransactionRecord struct {
	TxID       uint64      `json:"tx"`
	Timestamp  time.Time   `json:"ts"`
	Operations []Operation `json:"ops"`
}

// Checkpoint marks the point up to which the log has been applied to the store:
// every record with TxID <= Checkpoint.TxID is durable in the store, and
// recovery only scans segments with sequence >= Checkpoint.Segment.
type Checkpoint struct {
	Segment  uint64    `json:"segment"`
	TxID     uint64    `json:"tx"`
	Time     time.Time `json:"time"`
	Instance string    `json:"instance,omitempty"`
}

// Frame format constants.
//
//	[magic:4][kind:1][length:4][payload:N][crc:4][trailer:8][padding:0-7]
const (
	// frameMagic identifies the start of a frame: "TXLR" in little-endian.
	frameMagic uint32 = 0x524C5854

	// frameTrailer follows every frame. A frame cut short by a crash never
	// carries a complete trailer.
	frameTrailer uint64 = 0xDEADBEEFFEEDFACE

	// frameAlignment keeps every frame header on an 8-byte boundary.
	frameAlignment int64 = 8

	frameHeaderSize = 4 + 1 + 4
	frameFooterSize = 4 + 8

	// MaxRecordSize bounds a single payload (16MB).
	MaxRecordSize = 16 * 1024 * 1024
)

type frameKind uint8

const (
	frameRecord frameKind = 1
	frameSeal   frameKind = 2
)

var (
	// errTornFrame marks the end of the valid prefix of a segment.
	errTornFrame = errors.New("txlog: torn frame")

	// ErrRecordTooLarge is returned when an encoded record exceeds MaxRecordSize.
	ErrRecordTooLarge = errors.New("txlog: record too large")
)

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

func frameChecksum(kind frameKind, payload []byte) uint32 {
	crc := crc32.Update(0, crc32Table, []byte{byte(kind)})
	return crc32.Update(crc, crc32Table, payload)
}

// alignUp rounds n up to the nearest multiple of frameAlignment.
func alignUp(n int64) int64 {
	return (n + frameAlignment - 1) &^ (frameAlignment - 1)
}

func frameLen(payloadLen int) int64 {
	return alignUp(int64(frameHeaderSize + payloadLen + frameFooterSize))
}

// buildFrame returns the complete aligned frame so it can be written with a
// single Write call.
func buildFrame(kind frameKind, payload []byte) []byte {
	frame := make([]byte, frameLen(len(payload)))
	off := 0

	binary.LittleEndian.PutUint32(frame[off:], frameMagic)
	off += 4
	frame[off] = byte(kind)
	off++
	binary.LittleEndian.PutUint32(frame[off:], uint32(len(payload)))
	off += 4
	copy(frame[off:], payload)
	off += len(payload)
	binary.LittleEndian.PutUint32(frame[off:], frameChecksum(kind, payload))
	off += 4
	binary.LittleEndian.PutUint64(frame[off:], frameTrailer)
	// padding is already zeroed by make(...)

	return frame
}

// readFrame reads one frame from r. It returns io.EOF when r ends exactly on
// a frame boundary and errTornFrame when the bytes do not form a complete,
// valid frame. Any other error is an I/O failure.
func readFrame(r io.Reader) (frameKind, []byte, int64, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return 0, nil, 0, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return 0, nil, 0, errTornFrame
		}
		return 0, nil, 0, err
	}

	if binary.LittleEndian.Uint32(header[0:4]) != frameMagic {
		return 0, nil, 0, errTornFrame
	}
	kind := frameKind(header[4])
	if kind != frameRecord && kind != frameSeal {
		return 0, nil, 0, errTornFrame
	}
	payloadLen := binary.LittleEndian.Uint32(header[5:9])
	if payloadLen > MaxRecordSize {
		return 0, nil, 0, errTornFrame
	}

	total := frameLen(int(payloadLen))
	rest := make([]byte, total-frameHeaderSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, nil, 0, errTornFrame
		}
		return 0, nil, 0, err
	}

	payload := rest[:payloadLen]
	storedCRC := binary.LittleEndian.Uint32(rest[payloadLen:])
	trailer := binary.LittleEndian.Uint64(rest[payloadLen+4:])
	if trailer != frameTrailer || storedCRC != frameChecksum(kind, payload) {
		return 0, nil, 0, errTornFrame
	}
	return kind, payload, total, nil
}
