package risk

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitBreakerOpen 断路器已打开，暂停决策
var ErrCircuitBreakerOpen = errors.New("circuit breaker open")

// CircuitBreakerConfig 断路器配置。阈值 <= 0 表示关闭。
type CircuitBreakerConfig struct {
	// MaxConsecutiveErrors 连续决策失败上限（通常是存储不可用）
	MaxConsecutiveErrors int64
	// Cooldown 打开后多久放行一次试探请求
	Cooldown time.Duration
}

// CircuitBreaker 连续失败后快速拒绝，冷却后半开放行一次，成功即关闭。
type CircuitBreaker struct {
	halted            atomic.Bool
	manual            atomic.Bool
	consecutiveErrors atomic.Int64
	openedAt          atomic.Int64 // unix nano
	probing           atomic.Bool

	maxConsecutiveErrors atomic.Int64
	cooldown             atomic.Int64

	now func() time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{now: time.Now}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxConsecutiveErrors.Store(cfg.MaxConsecutiveErrors)
	cb.cooldown.Store(int64(cfg.Cooldown))
}

// SetClock 测试用
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.now = now
}

// Halt 手动熔断，只能 Resume 解除
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	cb.manual.Store(true)
	cb.open()
}

// Resume 手动恢复（同时清空连续错误计数）
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.manual.Store(false)
	cb.halted.Store(false)
	cb.probing.Store(false)
	cb.consecutiveErrors.Store(0)
}

// Open 是否处于熔断
func (cb *CircuitBreaker) Open() bool {
	return cb != nil && cb.halted.Load()
}

func (cb *CircuitBreaker) open() {
	cb.openedAt.Store(cb.now().UnixNano())
	cb.probing.Store(false)
	cb.halted.Store(true)
}

// Allow 是否放行本次决策
func (cb *CircuitBreaker) Allow() error {
	if cb == nil {
		return nil
	}
	if !cb.halted.Load() {
		return nil
	}
	if cb.manual.Load() {
		return ErrCircuitBreakerOpen
	}

	cooldown := time.Duration(cb.cooldown.Load())
	if cooldown <= 0 {
		return ErrCircuitBreakerOpen
	}
	elapsed := cb.now().Sub(time.Unix(0, cb.openedAt.Load()))
	if elapsed < cooldown {
		return ErrCircuitBreakerOpen
	}
	// 半开：只放行一个试探请求
	if cb.probing.CompareAndSwap(false, true) {
		return nil
	}
	return ErrCircuitBreakerOpen
}

// OnSuccess 决策成功：清零并关闭
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Store(0)
	if !cb.manual.Load() {
		cb.halted.Store(false)
		cb.probing.Store(false)
	}
}

// OnError 决策失败：累计，达到上限或试探失败时打开
func (cb *CircuitBreaker) OnError() {
	if cb == nil {
		return
	}
	n := cb.consecutiveErrors.Add(1)
	if cb.halted.Load() {
		if cb.probing.Load() {
			cb.open()
		}
		return
	}
	if maxErr := cb.maxConsecutiveErrors.Load(); maxErr > 0 && n >= maxErr {
		cb.open()
	}
}
