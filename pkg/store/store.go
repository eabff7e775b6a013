// Package store 持久化文档快照与增量更新。底层是一个简单的有序 KV 接口，默认实现为 BadgerDB。
package store

import "errors"

var ErrKeyNotFound = errors.New("store: key not found")

// Store 是有序 KV 存储。
type Store interface {
	Close() error
	// View 执行只读事务。
	View(fn func(Tx) error) error
	// Update 执行读写事务。
	Update(fn func(Tx) error) error
}

// Tx 是一个存储事务。
type Tx interface {
	Set(key, value []byte) error
	// Get 在键不存在时返回 ErrKeyNotFound。
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	// Scan 按键序遍历前缀下的全部键值，fn 返回错误时停止。
	Scan(prefix []byte, fn func(key, value []byte) error) error
}
