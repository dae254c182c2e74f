package httpapi

import (
	"context"
	"testing"
	"time"
)

func waitDone(t *testing.T, ctx context.Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("context not canceled")
	}
}

func TestJoinContextsCancelsWhenEitherSideDoes(t *testing.T) {
	a, cancelA := context.WithCancel(context.Background())
	b := context.Background()
	joined, cancel := joinContexts(a, b)
	defer cancel()
	cancelA()
	waitDone(t, joined)

	c := context.Background()
	d, cancelD := context.WithCancel(context.Background())
	joined2, cancel2 := joinContexts(c, d)
	defer cancel2()
	cancelD()
	waitDone(t, joined2)
}

func TestSetBaseContext(t *testing.T) {
	defer SetBaseContext(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	SetBaseContext(ctx)
	if serverBaseCtx != ctx {
		t.Fatalf("base context not installed")
	}
	cancel()

	SetBaseContext(nil)
	if serverBaseCtx == nil || serverBaseCtx.Err() != nil {
		t.Fatalf("nil should reset to a live background context")
	}
}
