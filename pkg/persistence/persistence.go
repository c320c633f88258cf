package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/betbot/stakepilot/pkg/logger"
)

// ErrNotExists 表示数据不存在
var ErrNotExists = fmt.Errorf("persistence data not exists")

// ErrConflict 事务冲突（并发写入同一键），调用方可重试
var ErrConflict = fmt.Errorf("persistence transaction conflict")

var errReadOnly = fmt.Errorf("persistence: write in read-only transaction")

// Txn 单个事务内的读写视图
type Txn interface {
	// Get 读取键值，不存在返回 ErrNotExists
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	// Keys 返回指定前缀的所有键（有序）
	Keys(prefix string) ([]string, error)
}

// Service 持久化服务接口。
//
// Update 中的读改写在提交时整体生效，任何错误都会回滚整个事务。
type Service interface {
	View(ctx context.Context, fn func(Txn) error) error
	Update(ctx context.Context, fn func(Txn) error) error
	Close() error
}

// Key 生成 "prefix:id:tag" 形式的键，空段会被省略
func Key(prefix, id, tag string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, id, tag} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ":")
}

// LoadJSON 读取并反序列化，不存在返回 ErrNotExists
func LoadJSON(txn Txn, key string, out interface{}) error {
	b, err := txn.Get(key)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return ErrNotExists
	}
	if err := json.Unmarshal(b, out); err != nil {
		return errors.Wrapf(err, "decode %s", key)
	}
	return nil
}

// SaveJSON 序列化并写入
func SaveJSON(txn Txn, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	logger.Debugf("[persistence] Save: key=%s bytes=%d", key, len(b))
	return txn.Set(key, b)
}

// Driver 存储后端类型
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverBadger Driver = "badger"
	DriverSQLite Driver = "sqlite"
)

// Options 打开存储的参数
type Options struct {
	Driver        Driver
	Path          string // badger 目录 / sqlite 文件；sqlite 可用 ":memory:"
	EncryptionKey string // badger 加密密钥（hex 或 base64，32 字节），可为空
	InMemory      bool   // badger 内存模式
}

// Open 按配置打开存储后端
func Open(opts Options) (Service, error) {
	switch opts.Driver {
	case DriverMemory, "":
		return NewMemoryService(), nil
	case DriverBadger:
		key, err := ParseKey(opts.EncryptionKey)
		if err != nil {
			return nil, errors.Wrap(err, "parse encryption key")
		}
		return OpenBadger(BadgerOptions{Path: opts.Path, EncryptionKey: key, InMemory: opts.InMemory})
	case DriverSQLite:
		return OpenSQLite(opts.Path)
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", opts.Driver)
	}
}
