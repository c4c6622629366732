package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicdb-kernel/pkg/txlog"
)

func TestCheckpointEncoding(t *testing.T) {
	cp := txlog.Checkpoint{Segment: 3, TxID: 12, Time: time.Unix(1700000000, 0).UTC(), Instance: "abc"}
	b, err := encodeCheckpoint(cp)
	require.NoError(t, err)
	require.Greater(t, len(b), checkpointSumSize)

	got, err := decodeCheckpoint(b)
	require.NoError(t, err)
	assert.Equal(t, cp.Segment, got.Segment)
	assert.Equal(t, cp.TxID, got.TxID)
	assert.Equal(t, cp.Instance, got.Instance)
	assert.True(t, cp.Time.Equal(got.Time))

	_, err = decodeCheckpoint(b[:checkpointSumSize-1])
	assert.ErrorIs(t, err, ErrCheckpointCorrupted)

	tampered := append([]byte(nil), b...)
	tampered[0] ^= 0x01
	_, err = decodeCheckpoint(tampered)
	assert.ErrorIs(t, err, ErrCheckpointCorrupted)
}
