package core

import (
	"context"
	"sync/atomic"
)

// Ack acknowledges one record back to its source once every downstream
// delivery derived from it has been durably accepted.
//
// Implementations must tolerate being invoked from any goroutine. The
// pipeline guarantees each handle is invoked at most once.
type Ack interface {
	Ack(ctx context.Context) error
}

// AckFunc adapts a function to the Ack interface.
type AckFunc func(ctx context.Context) error

func (f AckFunc) Ack(ctx context.Context) error { return f(ctx) }

// FanOutAck wraps a set of upstream acknowledgement handles behind a shared
// delivery counter. Each downstream delivery holds a reference to the same
// FanOutAck; when the last delivery acks, every wrapped handle fires exactly
// once.
type FanOutAck struct {
	remaining atomic.Int64
	inners    []Ack
}

// NewFanOutAck creates a token expecting n acknowledgements before the
// wrapped handles are invoked. n must be at least 1.
func NewFanOutAck(inners []Ack, n int) *FanOutAck {
	fa := &FanOutAck{inners: inners}
	fa.remaining.Store(int64(n))
	return fa
}

// Ack decrements the delivery counter. The wrapped handles run on the
// goroutine that performs the final decrement.
func (fa *FanOutAck) Ack(ctx context.Context) error {
	if fa.remaining.Add(-1) != 0 {
		return nil
	}
	AckAll(ctx, fa.inners)
	return nil
}

// Remaining reports the outstanding delivery count.
func (fa *FanOutAck) Remaining() int64 {
	return fa.remaining.Load()
}

// AckAll invokes every handle in acks, ignoring individual errors. Nil
// handles are skipped.
func AckAll(ctx context.Context, acks []Ack) {
	for _, a := range acks {
		if a == nil {
			continue
		}
		_ = a.Ack(ctx)
	}
}
