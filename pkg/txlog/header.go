// Package txlog implements the logical transaction log of the kernel.
//
// The log is a directory of segment files named txlog.v<seq>. Every segment
// starts with an 8-byte header carrying the binary format version and the
// segment's sequence number, followed by framed TransactionRecords and, when
// the segment was closed cleanly, a seal frame.
//
// Layout of one segment:
//
//	[header:8][frame][frame]...[seal frame]
//
// Usage:
//
//	log, err := txlog.Open(fsys.NewOS(), "/data/txlog", txlog.Options{})
//	if err := log.StartWriting(); err != nil { ... }
//	pos, err := log.Append(&txlog.TransactionRecord{TxID: 1, Operations: ops})
//	...
//	log.Close() // seals the active segment
package txlog

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Header width constants. The version occupies the top byte of the word and
// the log id the remaining 56 bits.
const (
	HeaderSize  = 8
	VersionBits = 8
	LogIDBits   = 56

	// MaxLogID is the largest id representable in a header.
	MaxLogID uint64 = 1<<LogIDBits - 1

	logIDMask uint64 = 0x00FFFFFFFFFFFFFF
)

// CurrentFormatVersion is the record layout written by this build.
//
//	v1: JSON lines
//	v2: framed records with CRC
//	v3: framed records with trailer canary, 8-byte alignment and seal frame
const CurrentFormatVersion uint8 = 3

// ErrMalformedHeader is returned when a header is shorter than HeaderSize.
var ErrMalformedHeader = errors.New("txlog: malformed log header")

// Header is the decoded form of a segment header.
type Header struct {
	Version uint8
	LogID   uint64
}

// EncodeHeader packs version and logID into the 8-byte big-endian header word.
// Bits of logID above LogIDBits are discarded.
func EncodeHeader(version uint8, logID uint64) [HeaderSize]byte {
	var b [HeaderSize]byte
	word := (logID & logIDMask) | uint64(version)<<LogIDBits
	binary.BigEndian.PutUint64(b[:], word)
	return b
}

// DecodeHeader unpacks a header from the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: got %d bytes, need %d", ErrMalformedHeader, len(b), HeaderSize)
	}
	word := binary.BigEndian.Uint64(b[:HeaderSize])
	return Header{
		Version: uint8(word >> LogIDBits),
		LogID:   word & logIDMask,
	}, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (h Header) MarshalBinary() ([]byte, error) {
	b := EncodeHeader(h.Version, h.LogID)
	return b[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (h *Header) UnmarshalBinary(b []byte) error {
	decoded, err := DecodeHeader(b)
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

// WithVersion returns a copy of h carrying version v.
func (h Header) WithVersion(v uint8) Header {
	h.Version = v
	return h
}

func (h Header) String() string {
	return fmt.Sprintf("v%d/id=%d", h.Version, h.LogID)
}
