// Package atomicbool provides the lock-free boolean flag shared by the
// device, peer session, and data-plane goroutines, the same int32-backed
// idiom the teacher codebase uses for isUp/isClosed/isRunning flags.
package atomicbool

import "sync/atomic"

const (
	boolFalse = int32(iota)
	boolTrue
)

type Bool struct {
	flag int32
}

func New(val bool) *Bool {
	b := &Bool{}
	b.Set(val)
	return b
}

func (b *Bool) Get() bool {
	return atomic.LoadInt32(&b.flag) == boolTrue
}

func (b *Bool) Set(val bool) {
	v := boolFalse
	if val {
		v = boolTrue
	}
	atomic.StoreInt32(&b.flag, v)
}

// Swap sets val and returns the previous value.
func (b *Bool) Swap(val bool) bool {
	v := boolFalse
	if val {
		v = boolTrue
	}
	return atomic.SwapInt32(&b.flag, v) == boolTrue
}
