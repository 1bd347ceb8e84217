package rwlock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbtaylor/go-idtable/internal/stress"
)

func TestTryWrLockThenUnlockLeavesIdle(t *testing.T) {
	l := New()
	require.True(t, l.TryWrLock())
	assert.True(t, l.IsWriteHeld())
	l.Unlock()
	assert.False(t, l.IsWriteHeld())
	assert.Zero(t, l.ReaderCount())
}

func TestTryRdLockMultipleThenUnlockLeavesIdle(t *testing.T) {
	l := New()
	require.True(t, l.TryRdLock())
	require.True(t, l.TryRdLock())
	require.True(t, l.TryRdLock())
	assert.EqualValues(t, 3, l.ReaderCount())

	l.Unlock()
	l.Unlock()
	l.Unlock()
	assert.Zero(t, l.ReaderCount())
	assert.False(t, l.IsWriteHeld())
}

func TestLockAliasesActAsPlainMutex(t *testing.T) {
	var l FastRwLock // zero value, no constructor
	require.True(t, l.TryLock())
	assert.False(t, l.TryLock())
	l.Unlock()

	l.Lock()
	assert.True(t, l.IsWriteHeld())
	l.Unlock()
	assert.False(t, l.IsWriteHeld())
}

// The zero value must survive real contention, not just the fast path.
func TestZeroValueSurvivesContendedSlowPath(t *testing.T) {
	var l FastRwLock
	var counter int64

	err := stress.Run(context.Background(), 16, 0, func(_ context.Context, _ int) error {
		for j := 0; j < 100; j++ {
			l.Lock()
			counter++
			l.Unlock()
		}
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 16*100, counter)
}

func TestTryWrLockFailsWhileReaderHeld(t *testing.T) {
	l := New()
	require.True(t, l.TryRdLock())
	assert.False(t, l.TryWrLock())
	l.Unlock()
}

func TestTryRdLockFailsWhileWriterHeld(t *testing.T) {
	l := New()
	require.True(t, l.TryWrLock())
	assert.False(t, l.TryRdLock())
	l.Unlock()
}

// N writers race to acquire the lock exclusively, once under each
// slow-path mode; every increment made under exclusive protection must
// land, so the counter ends at exactly N.
func TestConcurrentWritersSerializeCounterIncrements(t *testing.T) {
	for _, mode := range []Mode{Wait, Spin, AlwaysSpin} {
		mode := mode
		t.Run(modeName(mode), func(t *testing.T) {
			l := New()
			var counter int64
			const writers = 50

			err := stress.Run(context.Background(), writers, 0, func(_ context.Context, _ int) error {
				l.WrLock(mode)
				counter++
				l.Unlock()
				return nil
			})
			require.NoError(t, err)
			assert.EqualValues(t, writers, counter)
		})
	}
}

func TestConcurrentReadersNeverOverlapWriter(t *testing.T) {
	l := New()
	var writing atomic.Bool
	var violations atomic.Int64

	err := stress.Run(context.Background(), 20, 0, func(_ context.Context, i int) error {
		writer := i%4 == 0
		for j := 0; j < 200; j++ {
			if writer {
				l.WrLock(Wait)
				if !writing.CompareAndSwap(false, true) {
					violations.Add(1)
				}
				time.Sleep(time.Microsecond)
				writing.Store(false)
				l.Unlock()
			} else {
				l.RdLock(Wait)
				if writing.Load() {
					violations.Add(1)
				}
				l.Unlock()
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, violations.Load())
}

func TestDebugDetectsReentrantWriteLock(t *testing.T) {
	l := New(WithDebug())
	require.True(t, l.TryWrLock())
	defer func() {
		r := recover()
		require.NotNil(t, r)
		_, ok := r.(*InvariantViolation)
		assert.True(t, ok)
	}()
	l.WrLock(Wait)
}

func TestDebugDetectsMixedReadThenWrite(t *testing.T) {
	l := New(WithDebug())
	require.True(t, l.TryRdLock())
	defer func() {
		r := recover()
		require.NotNil(t, r)
		_, ok := r.(*InvariantViolation)
		assert.True(t, ok)
	}()
	l.WrLock(Wait)
}

func TestBaseReservationForcesSlowPath(t *testing.T) {
	l := New()
	l.SetBaseReservation(true)
	assert.False(t, l.TryWrLock())
	assert.False(t, l.TryRdLock())
	l.SetBaseReservation(false)
	assert.True(t, l.TryWrLock())
	l.Unlock()
}

// A blocking writer must park behind a pending base reservation, not just
// the try variants: WrLock may not return until the reservation clears.
func TestBaseReservationBlocksWaitingWriter(t *testing.T) {
	l := New()
	l.SetBaseReservation(true)

	acquired := make(chan struct{})
	go func() {
		l.WrLock(Wait)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("writer acquired the lock while a base reservation was pending")
	case <-time.After(50 * time.Millisecond):
	}

	l.SetBaseReservation(false)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("writer never acquired the lock after the reservation cleared")
	}
	l.Unlock()
}

func modeName(m Mode) string {
	switch m {
	case Wait:
		return "Wait"
	case Spin:
		return "Spin"
	case AlwaysSpin:
		return "AlwaysSpin"
	default:
		return "Unknown"
	}
}
