package storage

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/nornicdb-kernel/pkg/txlog"
)

// checkpointSumSize is the length of the blake2b digest prefixed to an
// encoded checkpoint.
const checkpointSumSize = 16

// encodeCheckpoint returns [blake2b-128(json)][json].
func encodeCheckpoint(cp txlog.Checkpoint) ([]byte, error) {
	payload, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to encode checkpoint: %w", err)
	}
	sum, err := checkpointSum(payload)
	if err != nil {
		return nil, err
	}
	return append(sum, payload...), nil
}

// decodeCheckpoint verifies the digest and decodes the checkpoint.
func decodeCheckpoint(b []byte) (txlog.Checkpoint, error) {
	if len(b) < checkpointSumSize {
		return txlog.Checkpoint{}, fmt.Errorf("%w: %d bytes", ErrCheckpointCorrupted, len(b))
	}
	stored, payload := b[:checkpointSumSize], b[checkpointSumSize:]
	sum, err := checkpointSum(payload)
	if err != nil {
		return txlog.Checkpoint{}, err
	}
	if !bytes.Equal(stored, sum) {
		return txlog.Checkpoint{}, ErrCheckpointCorrupted
	}

	var cp txlog.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return txlog.Checkpoint{}, fmt.Errorf("%w: %v", ErrCheckpointCorrupted, err)
	}
	return cp, nil
}

func checkpointSum(payload []byte) ([]byte, error) {
	h, err := blake2b.New(checkpointSumSize, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to create checkpoint hash: %w", err)
	}
	h.Write(payload)
	return h.Sum(nil), nil
}
