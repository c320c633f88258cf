package syncgroup

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "syncgroup")

// SyncGroup 是 sync.WaitGroup 的包装器：先 Add 登记后台任务，再 Run 一次性启动，Wait 等待全部退出。
// 任务中的 panic 会被记录并吞掉，不影响其他任务。
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []namedFunc
}

type namedFunc struct {
	name string
	fn   func()
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 登记一个后台任务
func (g *SyncGroup) Add(name string, fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	g.pending = append(g.pending, namedFunc{name: name, fn: fn})
	g.mu.Unlock()
}

// Run 启动所有已登记且尚未启动的任务
func (g *SyncGroup) Run() {
	g.mu.Lock()
	fns := g.pending
	g.pending = nil
	g.mu.Unlock()

	for _, f := range fns {
		g.wg.Add(1)
		go func(f namedFunc) {
			defer g.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("后台任务 %s panic: %v", f.name, r)
				}
			}()
			f.fn()
		}(f)
	}
}

// Wait 等待所有已启动的任务完成
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}
