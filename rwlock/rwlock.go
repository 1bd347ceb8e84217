// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package rwlock implements FastRwLock, a reader/writer synchronization word
// whose uncontended path is a single atomic compare-and-swap.
//
// Unlike a general-purpose sync.RWMutex, FastRwLock is built to guard
// per-node state in a larger lock-free structure (see the sibling idtable
// package): the fast paths for acquire, release, and the shared-reader
// increment never park a goroutine, and the only internal mutex any of
// them takes is the one a reader release takes to broadcast when the
// SLEEPER bit is set. Only
// when the fast-path CAS fails - because of a live writer, a queued writer,
// or an external "base reservation" - does a caller fall onto the slow
// path, which is a conventional mutex/condvar wait.
//
// The state word packs five fields into one machine word:
//
//	|63 .. 34|   33  |   32    |      31       |30 .. 1      | 0 |
//	 \ pad  / \ BASE / \ SLEEP / \ WR_WAITING  / \  READERS / \WR/
package rwlock

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Mode controls how the slow path behaves when the fast path can't proceed.
type Mode int

const (
	// Wait parks the calling goroutine on a condition variable until the
	// lock becomes available.
	Wait Mode = iota
	// Spin busy-waits with an exponential backoff for a bounded number of
	// attempts before falling back to Wait's parking behavior.
	Spin
	// AlwaysSpin busy-waits indefinitely and never parks.
	AlwaysSpin
)

const (
	writerBit        = uint64(1) << 0
	readerCountShift = 1
	readerCountBits  = 30
	readerCountUnit  = uint64(1) << readerCountShift
	readerCountMask  = uint64(1<<readerCountBits-1) << readerCountShift
	writerWaitingBit = uint64(1) << (readerCountShift + readerCountBits)
	sleeperBit       = writerWaitingBit << 1
	baseRsrvBit      = sleeperBit << 1

	// MaxReaders is the largest number of simultaneous readers the state
	// word can represent.
	MaxReaders = uint64(1<<readerCountBits - 1)
)

const (
	startingBackoff = 50 * time.Microsecond
	maxBackoff      = 500 * time.Microsecond * 10
	backoffFactor   = 2
	spinAttempts    = 32
)

// FastRwLock is a reader/writer lock whose fast paths are lock-free. The
// zero value is an unlocked lock ready for use, which lets it be embedded
// by value in other structs (idtable embeds one per tree node).
type FastRwLock struct {
	state atomic.Uint64

	mu   sync.Mutex
	cond *sync.Cond

	writerWaiters int

	debug  bool
	heldMu sync.Mutex
	held   map[int64]heldKind
}

type heldKind int

const (
	heldNone heldKind = iota
	heldRead
	heldWrite
)

// Option configures a FastRwLock at construction time.
type Option func(*FastRwLock)

// WithDebug enables the nesting/self-deadlock checker. It records, per
// goroutine, which kind of hold (if any) that goroutine has on the lock,
// and panics with an *InvariantViolation on reentrant write acquisition or
// on mixing read and write holds from the same goroutine.
func WithDebug() Option {
	return func(l *FastRwLock) { l.debug = true }
}

// New returns a FastRwLock in the idle state. The zero value of
// FastRwLock is also ready to use; New exists to apply Options.
func New(opts ...Option) *FastRwLock {
	l := &FastRwLock{}
	for _, opt := range opts {
		opt(l)
	}
	if l.debug {
		l.held = make(map[int64]heldKind)
	}
	return l
}

// condLocked returns the slow path's condvar, building it on first use so
// the zero FastRwLock works without a constructor call. Callers must hold
// l.mu.
func (l *FastRwLock) condLocked() *sync.Cond {
	if l.cond == nil {
		l.cond = sync.NewCond(&l.mu)
	}
	return l.cond
}

// InvariantViolation reports a debug-mode detected locking error: a
// self-deadlock (reentrant write) or a mixed read/write hold by the same
// goroutine.
type InvariantViolation struct {
	Goroutine int64
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("rwlock: invariant violation on goroutine %d: %s", e.Goroutine, e.Detail)
}

// debugCheck panics if the calling goroutine's existing hold on l is
// incompatible with acquiring kind. It must run before any blocking
// attempt so a self-deadlock is reported instead of hung.
func (l *FastRwLock) debugCheck(kind heldKind) {
	if !l.debug {
		return
	}
	gid := goroutineID()
	l.heldMu.Lock()
	prev := l.held[gid]
	l.heldMu.Unlock()
	switch {
	case prev == heldWrite:
		panic(&InvariantViolation{Goroutine: gid, Detail: "goroutine attempted to re-acquire a write lock it already holds"})
	case prev == heldRead && kind == heldWrite:
		panic(&InvariantViolation{Goroutine: gid, Detail: "goroutine attempted to acquire write lock while holding a read lock"})
	}
}

// debugRecord records a successful acquisition of kind by the calling
// goroutine.
func (l *FastRwLock) debugRecord(kind heldKind) {
	if !l.debug {
		return
	}
	gid := goroutineID()
	l.heldMu.Lock()
	l.held[gid] = kind
	l.heldMu.Unlock()
}

func (l *FastRwLock) debugExit() {
	if !l.debug {
		return
	}
	gid := goroutineID()
	l.heldMu.Lock()
	defer l.heldMu.Unlock()
	delete(l.held, gid)
}

// Lock acquires the lock exclusively with the default Wait mode. Together
// with Unlock it lets a FastRwLock stand in anywhere a sync.Locker is
// expected, which is how the idtable package uses its per-node locks.
func (l *FastRwLock) Lock() { l.WrLock(Wait) }

// TryLock is TryWrLock under the name sync.Mutex spells it.
func (l *FastRwLock) TryLock() bool { return l.TryWrLock() }

// TryWrLock attempts to take the lock exclusively without blocking.
func (l *FastRwLock) TryWrLock() bool {
	l.debugCheck(heldWrite)
	if l.state.CompareAndSwap(0, writerBit) {
		l.debugRecord(heldWrite)
		return true
	}
	return false
}

// WrLock acquires the lock exclusively, blocking (per mode) if necessary.
func (l *FastRwLock) WrLock(mode Mode) {
	l.debugCheck(heldWrite)
	if l.state.CompareAndSwap(0, writerBit) {
		l.debugRecord(heldWrite)
		return
	}
	l.wrlockSlow(mode)
	l.debugRecord(heldWrite)
}

// TryRdLock attempts to take the lock for shared read access without
// blocking.
func (l *FastRwLock) TryRdLock() bool {
	l.debugCheck(heldRead)
	if l.tryRdLockFast() {
		l.debugRecord(heldRead)
		return true
	}
	return false
}

// RdLock acquires the lock for shared read access, blocking (per mode) if
// necessary.
func (l *FastRwLock) RdLock(mode Mode) {
	l.debugCheck(heldRead)
	if l.tryRdLockFast() {
		l.debugRecord(heldRead)
		return
	}
	l.rdlockSlow(mode)
	l.debugRecord(heldRead)
}

// tryRdLockFast is the lock-free reader fast path shared by TryRdLock and
// RdLock, without the debug precheck (callers already performed it once).
func (l *FastRwLock) tryRdLockFast() bool {
	if readerBlocked(l.state.Load()) {
		return false
	}
	prev := l.state.Add(readerCountUnit) - readerCountUnit
	if readerBlocked(prev) {
		l.state.Add(^(readerCountUnit - 1))
		return false
	}
	return true
}

// Unlock releases whichever kind of hold (read or write) the caller
// currently has on the lock. The lock determines which by inspecting the
// writer bit: a caller must never call Unlock without a matching prior
// WrLock/RdLock/TryWrLock/TryRdLock success.
func (l *FastRwLock) Unlock() {
	l.debugExit()

	cur := l.state.Load()
	if cur&writerBit != 0 {
		if cur&(readerCountMask|sleeperBit|baseRsrvBit) == 0 &&
			l.state.CompareAndSwap(cur, cur&^writerBit) {
			l.wakeIfSleeping(cur)
			return
		}
		l.unlockWriteSlow()
		return
	}

	if cur&baseRsrvBit == 0 && cur&readerCountMask != 0 &&
		l.state.CompareAndSwap(cur, cur-readerCountUnit) {
		l.wakeIfSleeping(cur)
		return
	}
	l.unlockReadSlow()
}

func (l *FastRwLock) wakeIfSleeping(prev uint64) {
	if prev&sleeperBit != 0 {
		l.mu.Lock()
		l.condLocked().Broadcast()
		l.mu.Unlock()
	}
}

// SetBaseReservation sets or clears the external BASE_RSRV_WAITING bit.
// Per the design note this primitive leaves open: the caller is
// responsible for having drained active readers before setting the bit;
// readers already past their fast-path CAS remain valid holders.
func (l *FastRwLock) SetBaseReservation(waiting bool) {
	for {
		cur := l.state.Load()
		var next uint64
		if waiting {
			next = cur | baseRsrvBit
		} else {
			next = cur &^ baseRsrvBit
		}
		if cur == next || l.state.CompareAndSwap(cur, next) {
			if !waiting {
				l.mu.Lock()
				l.condLocked().Broadcast()
				l.mu.Unlock()
			}
			return
		}
	}
}

func (l *FastRwLock) wrlockSlow(mode Mode) {
	l.mu.Lock()
	l.writerWaiters++
	if l.writerWaiters == 1 {
		l.setBit(writerWaitingBit)
	}
	defer func() {
		l.writerWaiters--
		if l.writerWaiters == 0 {
			l.clearBit(writerWaitingBit)
		}
		l.mu.Unlock()
	}()

	backoff := startingBackoff
	spins := 0
	for {
		cur := l.state.Load()
		if !writerBlocked(cur) {
			if l.state.CompareAndSwap(cur, cur|writerBit) {
				return
			}
			continue
		}

		switch mode {
		case AlwaysSpin:
			l.mu.Unlock()
			runtime.Gosched()
			l.mu.Lock()
		case Spin:
			if spins < spinAttempts {
				spins++
				l.mu.Unlock()
				time.Sleep(backoff)
				if backoff < maxBackoff {
					backoff *= backoffFactor
				}
				l.mu.Lock()
				continue
			}
			l.parkAsSleeper(writerBlocked)
		default: // Wait
			l.parkAsSleeper(writerBlocked)
		}
	}
}

// writerBlocked and readerBlocked are the park predicates: the state
// patterns that keep a queued writer (any holder at all, or a base
// reservation) or a fallen-back reader (a writer, a queued writer, or a
// base reservation) from proceeding. Both include the reservation bit so
// that every acquirer, not just readers, stays off the lock until the
// external actor clears it.
func writerBlocked(state uint64) bool {
	return state&(writerBit|readerCountMask|baseRsrvBit) != 0
}

func readerBlocked(state uint64) bool {
	return state&(writerBit|writerWaitingBit|baseRsrvBit) != 0
}

func (l *FastRwLock) rdlockSlow(mode Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()

	backoff := startingBackoff
	spins := 0
	for {
		cur := l.state.Load()
		if !readerBlocked(cur) {
			prev := l.state.Add(readerCountUnit) - readerCountUnit
			if !readerBlocked(prev) {
				return
			}
			l.state.Add(^(readerCountUnit - 1))
			continue
		}

		switch mode {
		case AlwaysSpin:
			l.mu.Unlock()
			runtime.Gosched()
			l.mu.Lock()
		case Spin:
			if spins < spinAttempts {
				spins++
				l.mu.Unlock()
				time.Sleep(backoff)
				if backoff < maxBackoff {
					backoff *= backoffFactor
				}
				l.mu.Lock()
				continue
			}
			l.parkAsSleeper(readerBlocked)
		default:
			l.parkAsSleeper(readerBlocked)
		}
	}
}

// parkAsSleeper must be called with l.mu held. It marks the SLEEPER bit,
// re-checks the caller's blocking predicate against a fresh load, and
// only then waits on the condvar. The re-check after the bit is published
// closes the window where an unlocker's fast-path CAS lands between the
// caller's last state load and the bit-set: any release after the bit is
// visible either fails its fast-path CAS (writer release) or observes the
// bit and broadcasts (reader release), and any release before it is
// caught by the re-check. Waiters never clear the bit; the next slow-path
// release does, so a stale bit only costs a writer's unlock a detour
// through its slow path and a reader's unlock an extra broadcast.
func (l *FastRwLock) parkAsSleeper(stillBlocked func(state uint64) bool) {
	l.setBit(sleeperBit)
	if stillBlocked(l.state.Load()) {
		l.condLocked().Wait()
	}
}

func (l *FastRwLock) unlockWriteSlow() {
	l.mu.Lock()
	for {
		cur := l.state.Load()
		if l.state.CompareAndSwap(cur, cur&^(writerBit|sleeperBit)) {
			break
		}
	}
	l.condLocked().Broadcast()
	l.mu.Unlock()
}

func (l *FastRwLock) unlockReadSlow() {
	l.mu.Lock()
	for {
		cur := l.state.Load()
		next := (cur - readerCountUnit) &^ sleeperBit
		if l.state.CompareAndSwap(cur, next) {
			break
		}
	}
	l.condLocked().Broadcast()
	l.mu.Unlock()
}

func (l *FastRwLock) setBit(bit uint64) {
	for {
		cur := l.state.Load()
		if cur&bit != 0 {
			return
		}
		if l.state.CompareAndSwap(cur, cur|bit) {
			return
		}
	}
}

func (l *FastRwLock) clearBit(bit uint64) {
	for {
		cur := l.state.Load()
		if cur&bit == 0 {
			return
		}
		if l.state.CompareAndSwap(cur, cur&^bit) {
			return
		}
	}
}

// ReaderCount returns the number of currently active readers. Intended for
// tests and diagnostics; the value may be stale the instant it's read.
func (l *FastRwLock) ReaderCount() uint64 {
	return (l.state.Load() & readerCountMask) >> readerCountShift
}

// IsWriteHeld reports whether a writer currently holds the lock.
func (l *FastRwLock) IsWriteHeld() bool {
	return l.state.Load()&writerBit != 0
}
