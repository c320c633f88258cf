package cache

import (
	"testing"
	"time"
)

func TestInMemoryCacheExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewInMemoryCache[string, int](time.Minute)
	defer c.Close()
	c.SetClock(func() time.Time { return now })

	c.Set("a", 1, 0)
	c.Set("b", 2, 10*time.Second)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("get a got=%v,%v", v, ok)
	}

	now = now.Add(30 * time.Second)
	if _, ok := c.Get("b"); ok {
		t.Fatalf("b should be expired")
	}
	if c.Live() != 1 || c.Size() != 2 {
		t.Fatalf("live=%d size=%d", c.Live(), c.Size())
	}

	c.cleanup()
	if c.Size() != 1 {
		t.Fatalf("cleanup left size=%d", c.Size())
	}
	c.Clear()
	if c.Size() != 0 {
		t.Fatalf("clear left size=%d", c.Size())
	}
}

func TestActiveSet(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewActiveSet(time.Minute)
	defer s.Close()
	s.SetClock(func() time.Time { return now })

	s.Touch("t1")
	s.Touch("t2")
	s.Touch("t1")
	if s.Count() != 2 {
		t.Fatalf("count got=%d want=2", s.Count())
	}

	now = now.Add(45 * time.Second)
	s.Touch("t3")
	now = now.Add(30 * time.Second)
	if s.Count() != 1 {
		t.Fatalf("count got=%d want=1", s.Count())
	}
}
