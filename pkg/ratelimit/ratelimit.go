package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	GetRemaining() int
	GetResetTime() time.Time
}

// TokenBucket 令牌桶速率限制器（按经过时间连续补充）
type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // 每秒补充的令牌数
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket 创建新的令牌桶，初始为满
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity int, refillRate float64, now func() time.Time) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// Allow 检查是否允许请求
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait 等待直到允许请求
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}
		wait := tb.untilNextToken()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (tb *TokenBucket) untilNextToken() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.refillRate <= 0 {
		return time.Second
	}
	missing := 1 - tb.tokens
	if missing <= 0 {
		return time.Millisecond
	}
	return time.Duration(missing / tb.refillRate * float64(time.Second))
}

// GetRemaining 获取剩余令牌数
func (tb *TokenBucket) GetRemaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return int(tb.tokens)
}

// GetResetTime 令牌桶重新填满的时间
func (tb *TokenBucket) GetResetTime() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	now := tb.now()
	if tb.tokens >= tb.capacity || tb.refillRate <= 0 {
		return now
	}
	seconds := (tb.capacity - tb.tokens) / tb.refillRate
	return now.Add(time.Duration(seconds * float64(time.Second)))
}

// Keyed 按键（客户端地址、账号）分别限流
type Keyed struct {
	capacity   int
	refillRate float64
	now        func() time.Time

	mu       sync.Mutex
	limiters map[string]*TokenBucket
}

// NewKeyed 创建按键限流器，每个键一个独立令牌桶
func NewKeyed(capacity int, refillRate float64) *Keyed {
	return &Keyed{
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
		limiters:   make(map[string]*TokenBucket),
	}
}

// GetLimiter 获取指定键的限流器，不存在时创建
func (k *Keyed) GetLimiter(key string) *TokenBucket {
	k.mu.Lock()
	defer k.mu.Unlock()

	if l, ok := k.limiters[key]; ok {
		return l
	}
	l := newTokenBucket(k.capacity, k.refillRate, k.now)
	k.limiters[key] = l
	return l
}

// Allow 检查指定键是否允许请求
func (k *Keyed) Allow(key string) bool {
	return k.GetLimiter(key).Allow()
}

// Wait 等待直到指定键允许请求
func (k *Keyed) Wait(ctx context.Context, key string) error {
	return k.GetLimiter(key).Wait(ctx)
}

// Len 已创建的限流器数量
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
