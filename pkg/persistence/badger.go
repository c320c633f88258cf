package persistence

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// badger 使用乐观并发控制，提交时冲突会返回 ErrConflict，这里有限次重试
const badgerMaxRetries = 8

// BadgerOptions 打开 Badger 存储的参数
type BadgerOptions struct {
	Path          string
	EncryptionKey []byte // 32 字节；为空则不加密
	InMemory      bool
}

// BadgerService 基于 Badger 的事务性 KV 存储
type BadgerService struct {
	db *badger.DB
}

// OpenBadger 打开 Badger
func OpenBadger(opts BadgerOptions) (*BadgerService, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(opts.Path) == "" {
			return nil, errors.New("persistence: badger path is required")
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithLogger(nil)
	if len(opts.EncryptionKey) > 0 {
		// 加密模式下 badger 要求开启 index cache
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	return &BadgerService{db: db}, nil
}

func (s *BadgerService) View(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

func (s *BadgerService) Update(ctx context.Context, fn func(Txn) error) error {
	for attempt := 0; attempt < badgerMaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			return fn(&badgerTxn{txn: txn})
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return ErrConflict
}

func (s *BadgerService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) Get(key string) ([]byte, error) {
	item, err := t.txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotExists
		}
		return nil, errors.Wrapf(err, "badger get %s", key)
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) Set(key string, value []byte) error {
	return t.txn.Set([]byte(key), value)
}

func (t *badgerTxn) Delete(key string) error {
	return t.txn.Delete([]byte(key))
}

func (t *badgerTxn) Keys(prefix string) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Rewind(); it.Valid(); it.Next() {
		out = append(out, string(it.Item().KeyCopy(nil)))
	}
	return out, nil
}

// ParseKey 解析 32 字节密钥（hex 或 base64），输入为空返回 nil
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	rawHex := strings.TrimPrefix(raw, "0x")
	if b, err := hex.DecodeString(rawHex); err == nil {
		if len(b) == 32 {
			return b, nil
		}
		return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
}
