package gate

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_Lifecycle(t *testing.T) {
	g := New()
	assert.Equal(t, Locked, g.State())
	assert.False(t, g.IsWriteAllowed())
	assert.False(t, g.IsReadAllowed())

	require.NoError(t, g.Open(false))
	assert.Equal(t, Writable, g.State())
	assert.True(t, g.IsWriteAllowed())
	assert.True(t, g.IsReadAllowed())

	// set exactly once
	err := g.Open(true)
	assert.ErrorIs(t, err, ErrAlreadyOpened)
	assert.Equal(t, Writable, g.State())
}

func TestGate_ReadOnly(t *testing.T) {
	g := New()
	require.NoError(t, g.Open(true))
	assert.Equal(t, ReadOnly, g.State())
	assert.False(t, g.IsWriteAllowed())
	assert.True(t, g.IsReadAllowed())
	assert.ErrorIs(t, g.Open(false), ErrAlreadyOpened)
}

func TestGate_CheckOrdering(t *testing.T) {
	tests := []struct {
		name     string
		open     func(*Gate)
		inTx     bool
		expected error
	}{
		{"locked outside tx", func(*Gate) {}, false, ErrNoActiveTransaction},
		{"locked inside tx", func(*Gate) {}, true, ErrWriteBlocked},
		{"read-only outside tx", func(g *Gate) { g.Open(true) }, false, ErrNoActiveTransaction},
		{"read-only inside tx", func(g *Gate) { g.Open(true) }, true, ErrWriteBlocked},
		{"writable outside tx", func(g *Gate) { g.Open(false) }, false, ErrNoActiveTransaction},
		{"writable inside tx", func(g *Gate) { g.Open(false) }, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New()
			tt.open(g)
			err := g.Check(tt.inTx)
			if tt.expected == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.expected)
			}
		})
	}
}

func TestGate_Guard(t *testing.T) {
	g := New()
	called := false
	err := g.Guard(true, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrWriteBlocked)
	assert.False(t, called)

	require.NoError(t, g.Open(false))
	boom := errors.New("boom")
	err = g.Guard(true, func() error { called = true; return boom })
	assert.True(t, called)
	assert.ErrorIs(t, err, boom)
}

// No mutation may run while the gate is Locked, even when Open races with it.
func TestGate_GuardRacesOpen(t *testing.T) {
	for round := 0; round < 50; round++ {
		g := New()
		var sawLocked atomic.Bool
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					_ = g.Guard(true, func() error {
						if g.state != Writable {
							sawLocked.Store(true)
						}
						return nil
					})
				}
			}()
		}
		require.NoError(t, g.Open(false))
		wg.Wait()
		assert.False(t, sawLocked.Load())
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "locked", Locked.String())
	assert.Equal(t, "writable", Writable.String())
	assert.Equal(t, "read-only", ReadOnly.String())
	assert.Equal(t, "State(9)", State(9).String())
}
