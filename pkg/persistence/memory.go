package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryService 进程内存储，Update 持有写锁串行执行，写入缓冲到提交时才生效
type MemoryService struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryService 创建内存存储
func NewMemoryService() *MemoryService {
	return &MemoryService{data: make(map[string][]byte)}
}

func (s *MemoryService) View(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memoryTxn{base: s.data, readOnly: true})
}

func (s *MemoryService) Update(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := &memoryTxn{base: s.data, writes: make(map[string][]byte), deletes: make(map[string]bool)}
	if err := fn(txn); err != nil {
		return err
	}
	for k := range txn.deletes {
		delete(s.data, k)
	}
	for k, v := range txn.writes {
		s.data[k] = v
	}
	return nil
}

func (s *MemoryService) Close() error { return nil }

type memoryTxn struct {
	base     map[string][]byte
	writes   map[string][]byte
	deletes  map[string]bool
	readOnly bool
}

func (t *memoryTxn) Get(key string) ([]byte, error) {
	if t.deletes[key] {
		return nil, ErrNotExists
	}
	if v, ok := t.writes[key]; ok {
		return append([]byte(nil), v...), nil
	}
	v, ok := t.base[key]
	if !ok {
		return nil, ErrNotExists
	}
	return append([]byte(nil), v...), nil
}

func (t *memoryTxn) Set(key string, value []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	delete(t.deletes, key)
	t.writes[key] = append([]byte(nil), value...)
	return nil
}

func (t *memoryTxn) Delete(key string) error {
	if t.readOnly {
		return errReadOnly
	}
	delete(t.writes, key)
	t.deletes[key] = true
	return nil
}

func (t *memoryTxn) Keys(prefix string) ([]string, error) {
	seen := make(map[string]bool)
	for k := range t.base {
		if strings.HasPrefix(k, prefix) && !t.deletes[k] {
			seen[k] = true
		}
	}
	for k := range t.writes {
		if strings.HasPrefix(k, prefix) {
			seen[k] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
