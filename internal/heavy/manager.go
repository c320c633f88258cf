package heavy

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/stakepilot/internal/domain"
	"github.com/betbot/stakepilot/internal/metrics"
	"github.com/betbot/stakepilot/internal/ports"
)

var log = logrus.WithField("module", "heavy")

// 未配置衰减手数时的兜底值
const fallbackDecayAfterHands = 4

// Manager 重仓生命周期：同步延迟、衰减、全局准入限流
type Manager struct {
	store ports.Store
	now   func() time.Time
}

// NewManager 创建管理器
func NewManager(store ports.Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// SyncDelay 授权重仓前的固定等待，只阻塞当前调用方
func (m *Manager) SyncDelay(ctx context.Context, s domain.Settings) error {
	if s.SyncDelayMs <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(s.SyncDelayMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Decay 每手结束后调用：进入重仓则清零计数；否则累加，冷却结束且达到阈值时释放一个重仓名额
func (m *Manager) Decay(ctx context.Context, s domain.Settings, enteredHeavy bool) error {
	return m.store.Update(ctx, func(tx ports.Tx) error {
		sc, err := tx.Scuderia()
		if err != nil {
			return err
		}
		if enteredHeavy {
			sc.HandsSinceLastHeavy = 0
			return nil
		}

		g, err := tx.Global()
		if err != nil {
			return err
		}
		ApplyDecay(sc, g, s)
		return nil
	})
}

// ApplyDecay 衰减规则（纯函数，便于在已有事务内复用）
func ApplyDecay(sc *domain.ScuderiaState, g *domain.GlobalState, s domain.Settings) {
	threshold := s.HeavyDecayAfterHands
	if threshold <= 0 {
		threshold = fallbackDecayAfterHands
	}

	hands := sc.HandsSinceLastHeavy + 1
	switch {
	case g.Cooldown == 0 && g.HeavyCount > 0 && hands >= threshold:
		g.HeavyCount--
		hands = 0
		log.Debugf("重仓名额衰减: heavyCount=%d", g.HeavyCount)
	case g.HeavyCount == 0 && g.Cooldown > 0:
		// 冷却残留：没有重仓在途时不累计
		hands = 0
	}
	sc.HandsSinceLastHeavy = hands
}

// AdmitHeavy 全局限流：窗口内授权次数达到上限则拒绝，否则登记本次时间戳
func (m *Manager) AdmitHeavy(ctx context.Context, s domain.Settings, now time.Time) (bool, error) {
	admitted := false
	err := m.store.Update(ctx, func(tx ports.Tx) error {
		ok, err := Admit(tx, s, now)
		admitted = ok
		return err
	})
	if err != nil {
		return false, err
	}
	return admitted, nil
}

// Admit 在调用方事务内完成 清理 -> 检查 -> 追加。
// GlobalHeavyCap<=0 表示不限流。
func Admit(tx ports.Tx, s domain.Settings, now time.Time) (bool, error) {
	if s.GlobalHeavyCap <= 0 {
		return true, nil
	}
	sc, err := tx.Scuderia()
	if err != nil {
		return false, err
	}

	cutoff := now.Add(-time.Duration(s.GlobalHeavyCapWindow) * time.Second)
	recent := sc.RecentHeavyTimestamps[:0:0]
	for _, ts := range sc.RecentHeavyTimestamps {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	sc.RecentHeavyTimestamps = recent

	if len(recent) >= s.GlobalHeavyCap {
		metrics.HeavyRejected.Add(1)
		log.Infof("全局重仓限流: window=%ds cap=%d", s.GlobalHeavyCapWindow, s.GlobalHeavyCap)
		return false, nil
	}
	sc.RecentHeavyTimestamps = append(sc.RecentHeavyTimestamps, now.UTC())
	return true, nil
}

// Now 当前时间（可在测试中替换）
func (m *Manager) Now() time.Time {
	return m.now()
}

// SetClock 替换时间源
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}
