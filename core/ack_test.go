package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

type countingAck struct {
	n atomic.Int64
}

func (c *countingAck) Ack(ctx context.Context) error {
	c.n.Add(1)
	return nil
}

func TestFanOutAck_FiresOnceAfterAllDeliveries(t *testing.T) {
	inner := &countingAck{}
	fa := NewFanOutAck([]Ack{inner}, 3)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := fa.Ack(ctx); err != nil {
			t.Fatalf("ack %d: %v", i, err)
		}
		if got := inner.n.Load(); got != 0 {
			t.Fatalf("inner fired after %d of 3 deliveries (count=%d)", i+1, got)
		}
	}

	if err := fa.Ack(ctx); err != nil {
		t.Fatalf("final ack: %v", err)
	}
	if got := inner.n.Load(); got != 1 {
		t.Errorf("inner ack count = %d, want 1", got)
	}
}

func TestFanOutAck_WrapsMultipleHandles(t *testing.T) {
	inners := []*countingAck{{}, {}, {}}
	acks := make([]Ack, len(inners))
	for i, a := range inners {
		acks[i] = a
	}

	fa := NewFanOutAck(acks, 1)
	if err := fa.Ack(context.Background()); err != nil {
		t.Fatalf("ack: %v", err)
	}

	for i, a := range inners {
		if got := a.n.Load(); got != 1 {
			t.Errorf("inner %d ack count = %d, want 1", i, got)
		}
	}
}

func TestFanOutAck_ConcurrentDecrements(t *testing.T) {
	const deliveries = 64

	inner := &countingAck{}
	fa := NewFanOutAck([]Ack{inner}, deliveries)

	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fa.Ack(context.Background())
		}()
	}
	wg.Wait()

	if got := inner.n.Load(); got != 1 {
		t.Errorf("inner ack count = %d, want exactly 1", got)
	}
	if got := fa.Remaining(); got != 0 {
		t.Errorf("remaining = %d, want 0", got)
	}
}

func TestAckAll_SkipsNilHandles(t *testing.T) {
	inner := &countingAck{}
	AckAll(context.Background(), []Ack{nil, inner, nil})
	if got := inner.n.Load(); got != 1 {
		t.Errorf("ack count = %d, want 1", got)
	}
}

func TestRouteKey_String(t *testing.T) {
	tests := []struct {
		key  RouteKey
		want string
	}{
		{RouteKey{Sink: "s3-main"}, "s3-main"},
		{RouteKey{Sink: "s3-main", Prefix: "logs/app"}, "s3-main|logs/app"},
	}
	for _, tt := range tests {
		if got := tt.key.String(); got != tt.want {
			t.Errorf("RouteKey%v.String() = %q, want %q", tt.key, got, tt.want)
		}
	}
}
