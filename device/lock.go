package device

import (
	"runtime"
	"sync"

	uatomic "go.uber.org/atomic"
)

// deviceLock is the device-wide mutual-exclusion region guarding all
// mutable device, transfer, and endpoint state.
//
// It is reentrant: subclass callbacks run with the lock held and are
// allowed to call back into the engine (for example CompleteRequest from
// within Request) on the same goroutine without deadlocking. A different
// goroutine attempting acquisition blocks until the outermost holder
// releases.
type deviceLock struct {
	mu    sync.Mutex
	owner uatomic.Int64 // goroutine ID of the holder, 0 when free
	depth int           // reentrancy depth, touched only by the holder
}

// Lock acquires the region, incrementing the depth if the calling
// goroutine already holds it.
func (l *deviceLock) Lock() {
	id := goroutineID()
	if l.owner.Load() == id {
		l.depth++
		return
	}
	l.mu.Lock()
	l.owner.Store(id)
	l.depth = 1
}

// Unlock releases one level of the region. The outermost release frees the
// underlying mutex. Unlocking from a goroutine that does not hold the
// region is a programming error.
func (l *deviceLock) Unlock() {
	if l.owner.Load() != goroutineID() {
		panic("usbdev: unlock of device lock not held by this goroutine")
	}
	l.depth--
	if l.depth < 0 {
		panic("usbdev: unbalanced device lock release")
	}
	if l.depth == 0 {
		l.owner.Store(0)
		l.mu.Unlock()
	}
}

// Depth returns the reentrancy depth as seen by the calling goroutine:
// zero unless the caller holds the region.
func (l *deviceLock) Depth() int {
	if l.owner.Load() != goroutineID() {
		return 0
	}
	return l.depth
}

// assertHeld panics unless the calling goroutine holds the region. Used on
// internal paths that require the protected context.
func (l *deviceLock) assertHeld() {
	if l.owner.Load() != goroutineID() {
		panic("usbdev: device lock not held")
	}
}

// goroutineID extracts the current goroutine's ID from the runtime stack
// header ("goroutine N [running]:"). There is no supported API for this;
// the header format has been stable since Go 1.4.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id int64
	for _, c := range buf[len("goroutine "):n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
