package shutdown

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestShutdownRunsAllHandlers(t *testing.T) {
	m := NewManager()
	var n atomic.Int32
	for _, name := range []string{"http", "store", "scheduler"} {
		m.OnShutdown(name, func(ctx context.Context) { n.Add(1) })
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !m.Shutdown(ctx) {
		t.Fatalf("shutdown should complete")
	}
	if n.Load() != 3 {
		t.Fatalf("handlers run got=%d want=3", n.Load())
	}
}

func TestShutdownTimeout(t *testing.T) {
	m := NewManager()
	block := make(chan struct{})
	defer close(block)
	m.OnShutdown("stuck", func(ctx context.Context) { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if m.Shutdown(ctx) {
		t.Fatalf("shutdown should report timeout")
	}
}
