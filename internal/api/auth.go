package api

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/betbot/stakepilot/pkg/cache"
)

// Authenticator 校验遥测客户端凭据。
// bcrypt 校验较慢，遥测客户端每手都会带凭据，校验结果按 (用户, 密码摘要) 缓存一段时间。
type Authenticator struct {
	hashes map[string]string
	cache  *cache.InMemoryCache[string, bool]
}

// NewAuthenticator users: 用户名 -> bcrypt 哈希
func NewAuthenticator(users map[string]string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	hashes := make(map[string]string, len(users))
	for u, h := range users {
		hashes[u] = h
	}
	return &Authenticator{
		hashes: hashes,
		cache:  cache.NewInMemoryCache[string, bool](ttl),
	}
}

func cacheKey(user, password string) string {
	sum := sha256.Sum256([]byte(user + "\x00" + password))
	return hex.EncodeToString(sum[:])
}

// Verify 用户名与密码是否匹配
func (a *Authenticator) Verify(user, password string) bool {
	if user == "" || password == "" {
		return false
	}
	hash, ok := a.hashes[user]
	if !ok {
		return false
	}

	key := cacheKey(user, password)
	if v, ok := a.cache.Get(key); ok {
		return v
	}
	valid := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	a.cache.Set(key, valid, 0)
	if !valid {
		log.WithField("user", user).Warn("凭据校验失败")
	}
	return valid
}

// Close 停止缓存清理
func (a *Authenticator) Close() {
	a.cache.Close()
}

// HashPassword 生成 bcrypt 哈希（用于配置账号）
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
