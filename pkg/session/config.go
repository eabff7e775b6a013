package session

import (
	"time"

	"github.com/network-goods-institute/negation-game-sub014/pkg/bridge"
	"github.com/network-goods-institute/negation-game-sub014/pkg/health"
	"github.com/network-goods-institute/negation-game-sub014/pkg/leader"
	"github.com/network-goods-institute/negation-game-sub014/pkg/presence"
	"github.com/network-goods-institute/negation-game-sub014/pkg/undo"
)

// Config 是一个文档会话的配置。
type Config struct {
	// DocumentID 是文档 ID，也是持久化的键。
	DocumentID string
	// User 是本标签页的身份。SessionID 与 TabID 为空时自动生成。
	User presence.Identity
	// ReadOnly 为 true 时会话永不写入文档。
	ReadOnly bool

	// AutosaveInterval 为 0 时关闭自动保存。
	AutosaveInterval   time.Duration
	LeaderDelay        time.Duration
	HealthGrace        time.Duration
	UndoCaptureTimeout time.Duration
	QueueSize          int
	Presence           presence.Config
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		AutosaveInterval:   30 * time.Second,
		LeaderDelay:        leader.DefaultInitialDelay,
		HealthGrace:        health.DefaultGrace,
		UndoCaptureTimeout: undo.DefaultCaptureTimeout,
		QueueSize:          256,
		Presence:           presence.DefaultConfig(),
	}
}

// Saver 持久化文档快照。*store.Documents 满足该接口。
type Saver interface {
	SaveSnapshot(id string, snapshot []byte) error
}

// Loader 读取已持久化的文档。*store.Documents 满足该接口。
type Loader interface {
	Load(id string) (snapshot []byte, updates [][]byte, err error)
}

// Option 配置 Session。
type Option func(*Session)

// WithConfig 覆盖默认配置。
func WithConfig(cfg Config) Option {
	return func(s *Session) {
		s.cfg = cfg
	}
}

// WithSaver 启用自动保存。
func WithSaver(saver Saver) Option {
	return func(s *Session) {
		s.saver = saver
	}
}

// WithLoader 在启动前从持久化存储加载文档。
func WithLoader(loader Loader) Option {
	return func(s *Session) {
		s.loader = loader
	}
}

// WithScheduler 指定桥接器的帧调度器。
func WithScheduler(sched bridge.Scheduler) Option {
	return func(s *Session) {
		s.sched = sched
	}
}

// WithClientID 指定文档副本的客户端 ID。
func WithClientID(id string) Option {
	return func(s *Session) {
		s.clientID = id
	}
}

// WithNow 替换时钟，用于测试。
func WithNow(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}
