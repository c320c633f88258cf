package syncgroup

import (
	"sync/atomic"
	"testing"
)

func TestRunAndWait(t *testing.T) {
	g := NewSyncGroup()
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		g.Add("worker", func() { n.Add(1) })
	}
	g.Add("nil", nil)
	g.Add("panics", func() { panic("boom") })

	g.Run()
	g.Wait()
	if n.Load() != 5 {
		t.Fatalf("ran got=%d want=5", n.Load())
	}

	// 再次 Run 不会重复启动
	g.Run()
	g.Wait()
	if n.Load() != 5 {
		t.Fatalf("tasks restarted: %d", n.Load())
	}
}
