// Package synclatch implements a share/exclusive latch word: a reader
// count in the low bits, an exclusive-request flag in the high bit,
// plus a "queue exclusive" operation that blocks new shares immediately
// and then waits for outstanding shares to drain. Everything operates
// on a bare *uint32 rather than an embedded sync.Mutex: the word has to
// live inside an mmap'd shared-memory segment, where a Go mutex has no
// meaning across process boundaries.
package synclatch

import (
	"errors"
	"runtime"
	"sync/atomic"
	"time"
)

// ErrContended is returned by the non-blocking variants when the latch
// cannot be acquired immediately, and internally by QueueExclusive when
// another holder already announced an exclusive request.
var ErrContended = errors.New("synclatch: contended")

const (
	exclusiveFlag uint32 = 1 << 31
	readerMask    uint32 = exclusiveFlag - 1
)

// Backoff drives the pause->yield->microsleep escalation used on every
// spin loop in this codebase. attempt is owned by the caller and
// incremented on each call.
func Backoff(attempt *int) {
	n := *attempt
	*attempt++
	switch {
	case n < 4:
		// busy-pause: cheap, no OS involvement
		for i := 0; i < 30; i++ {
			runtime.Gosched()
		}
	case n < 16:
		runtime.Gosched()
	default:
		d := time.Duration(n-15) * 20 * time.Microsecond
		if d > 2*time.Millisecond {
			d = 2 * time.Millisecond
		}
		time.Sleep(d)
	}
}

// AcquireShare blocks until a share can be taken: it spins while the
// exclusive flag is set, then increments the reader count; if the
// exclusive flag appears between the read and the increment, it backs
// off and retries rather than risk racing a queued exclusive.
func AcquireShare(word *uint32) {
	var attempt int
	for {
		old := atomic.LoadUint32(word)
		if old&exclusiveFlag != 0 {
			Backoff(&attempt)
			continue
		}
		if !atomic.CompareAndSwapUint32(word, old, old+1) {
			continue
		}
		if atomic.LoadUint32(word)&exclusiveFlag != 0 {
			atomic.AddUint32(word, ^uint32(0))
			Backoff(&attempt)
			continue
		}
		return
	}
}

// BounceShare is the try-acquire variant of AcquireShare: it makes one
// attempt and reports ErrContended instead of spinning.
func BounceShare(word *uint32) error {
	old := atomic.LoadUint32(word)
	if old&exclusiveFlag != 0 {
		return ErrContended
	}
	if !atomic.CompareAndSwapUint32(word, old, old+1) {
		return ErrContended
	}
	if atomic.LoadUint32(word)&exclusiveFlag != 0 {
		atomic.AddUint32(word, ^uint32(0))
		return ErrContended
	}
	return nil
}

// ReleaseShare drops one reader.
func ReleaseShare(word *uint32) {
	atomic.AddUint32(word, ^uint32(0))
}

// TryQueueExclusive announces an exclusive request without waiting for
// outstanding shares to drain: new AcquireShare calls are blocked from
// this instant. Fails if another request is already pending. Callers
// that hold a share themselves use this to upgrade: announce first,
// release the own share, then drain.
func TryQueueExclusive(word *uint32) error {
	for {
		old := atomic.LoadUint32(word)
		if old&exclusiveFlag != 0 {
			return ErrContended
		}
		if atomic.CompareAndSwapUint32(word, old, old|exclusiveFlag) {
			return nil
		}
	}
}

// DrainShares spins until the reader count reaches zero. Only
// meaningful after a successful TryQueueExclusive, which stops new
// readers from arriving.
func DrainShares(word *uint32) {
	var attempt int
	for atomic.LoadUint32(word)&readerMask != 0 {
		Backoff(&attempt)
	}
}

// QueueExclusive announces an exclusive request (failing if one is
// already pending), which blocks all new AcquireShare calls from this
// instant, then spins until the reader count drains to zero. On
// return the caller holds the latch exclusively.
func QueueExclusive(word *uint32) error {
	if err := TryQueueExclusive(word); err != nil {
		return err
	}
	DrainShares(word)
	return nil
}

// RemoveQueueExclusive clears the exclusive-request flag without
// waiting for the drain to complete, used to abort a failed upgrade
// attempt before any exclusive work has begun.
func RemoveQueueExclusive(word *uint32) {
	for {
		old := atomic.LoadUint32(word)
		if atomic.CompareAndSwapUint32(word, old, old&^exclusiveFlag) {
			return
		}
	}
}

// ReleaseExclusive clears the exclusive flag, publishing every write
// made while the latch was held to any subsequent share-acquirer.
func ReleaseExclusive(word *uint32) {
	RemoveQueueExclusive(word)
}

// BounceSpinlock is a non-blocking mutual-exclusion acquire over a
// word assumed to have no concurrent readers (e.g. add/delete-shard
// heads, the block-header latch): it succeeds only if the word is
// completely idle.
func BounceSpinlock(word *uint32) bool {
	return atomic.CompareAndSwapUint32(word, 0, exclusiveFlag)
}

// SpinlockAcquire blocks until BounceSpinlock would succeed.
func SpinlockAcquire(word *uint32) {
	var attempt int
	for !BounceSpinlock(word) {
		Backoff(&attempt)
	}
}

// SpinlockRelease clears a word locked by BounceSpinlock/SpinlockAcquire.
func SpinlockRelease(word *uint32) {
	atomic.StoreUint32(word, 0)
}

// Readers reports the current reader count, useful for diagnostics and
// invariant sweeps that must assert no latch is left held at
// quiescence.
func Readers(word *uint32) uint32 {
	return atomic.LoadUint32(word) & readerMask
}

// ExclusiveRequested reports whether the exclusive flag is currently set.
func ExclusiveRequested(word *uint32) bool {
	return atomic.LoadUint32(word)&exclusiveFlag != 0
}
