package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const defaultValueLogFileSize = 64 << 20

type badgerConfig struct {
	inMemory         bool
	valueLogFileSize int64
	logger           *zap.Logger
}

// BadgerOption 配置 BadgerDB 的打开方式。
type BadgerOption func(*badgerConfig) error

// WithValueLogFileSize 设置单个 value log 文件的最大字节数。
func WithValueLogFileSize(size int64) BadgerOption {
	return func(cfg *badgerConfig) error {
		if size <= 0 {
			return fmt.Errorf("value log file size must be > 0, got %d", size)
		}
		cfg.valueLogFileSize = size
		return nil
	}
}

// WithInMemory 使用纯内存模式，数据不落盘。
func WithInMemory() BadgerOption {
	return func(cfg *badgerConfig) error {
		cfg.inMemory = true
		return nil
	}
}

// WithBadgerLogger 把 Badger 的内部日志转发到 zap。
func WithBadgerLogger(logger *zap.Logger) BadgerOption {
	return func(cfg *badgerConfig) error {
		cfg.logger = logger
		return nil
	}
}

// BadgerStore 是基于 BadgerDB 的 Store。
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger 打开（或创建）path 下的数据库。内存模式下 path 被忽略。
func OpenBadger(path string, options ...BadgerOption) (*BadgerStore, error) {
	cfg := badgerConfig{valueLogFileSize: defaultValueLogFileSize}
	for _, option := range options {
		if option == nil {
			continue
		}
		if err := option(&cfg); err != nil {
			return nil, err
		}
	}

	opts := badger.DefaultOptions(path)
	if cfg.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithValueLogFileSize(cfg.valueLogFileSize)
	opts.Logger = nil
	if cfg.logger != nil {
		opts.Logger = badgerLogger{cfg.logger.Sugar()}
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) View(fn func(Tx) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(badgerTx{txn: txn})
	})
}

func (s *BadgerStore) Update(fn func(Tx) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(badgerTx{txn: txn})
	})
}

type badgerTx struct {
	txn *badger.Txn
}

func (tx badgerTx) Set(key, value []byte) error {
	return tx.txn.Set(key, value)
}

func (tx badgerTx) Get(key []byte) ([]byte, error) {
	item, err := tx.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (tx badgerTx) Delete(key []byte) error {
	return tx.txn.Delete(key)
}

func (tx badgerTx) Scan(prefix []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := tx.txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), value); err != nil {
			return err
		}
	}
	return nil
}

// badgerLogger 适配 badger.Logger。
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}
