// Package config 加载 graphsync 的配置：默认值、YAML 文件、GRAPHSYNC_* 环境变量依次覆盖，最后统一校验。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/network-goods-institute/negation-game-sub014/pkg/presence"
	"github.com/network-goods-institute/negation-game-sub014/pkg/session"
)

// EnvPrefix 是环境变量前缀。
const EnvPrefix = "GRAPHSYNC_"

// Config 是完整配置。
type Config struct {
	Environment string        `yaml:"environment" validate:"oneof=development production"`
	Log         LogConfig     `yaml:"log"`
	Relay       RelayConfig   `yaml:"relay"`
	Session     SessionConfig `yaml:"session"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// RelayConfig 配置中继进程。DataDir 为空且 InMemory 为 false 时不持久化。
type RelayConfig struct {
	Addr         string `yaml:"addr" validate:"required,hostname_port"`
	Path         string `yaml:"path" validate:"required,startswith=/"`
	MetricsPath  string `yaml:"metricsPath" validate:"omitempty,startswith=/"`
	DataDir      string `yaml:"dataDir"`
	InMemory     bool   `yaml:"inMemory"`
	CompactEvery int    `yaml:"compactEvery" validate:"min=1"`
}

// SessionConfig 是客户端会话的计时参数。
type SessionConfig struct {
	AutosaveInterval   time.Duration `yaml:"autosaveInterval" validate:"gte=0"`
	LeaderDelay        time.Duration `yaml:"leaderDelay" validate:"gte=0"`
	HealthGrace        time.Duration `yaml:"healthGrace" validate:"gte=0"`
	UndoCaptureTimeout time.Duration `yaml:"undoCaptureTimeout" validate:"gte=0"`
	QueueSize          int           `yaml:"queueSize" validate:"min=1"`
	LockTTL            time.Duration `yaml:"lockTTL" validate:"gt=0"`
	LockRenewInterval  time.Duration `yaml:"lockRenewInterval" validate:"gt=0,ltfield=LockTTL"`
	LockCleanupAfter   time.Duration `yaml:"lockCleanupAfter" validate:"gt=0"`
	DragGrace          time.Duration `yaml:"dragGrace" validate:"gte=0"`
}

// Default 返回默认配置。
func Default() Config {
	sc := session.DefaultConfig()
	return Config{
		Environment: "development",
		Log:         LogConfig{Level: "info"},
		Relay: RelayConfig{
			Addr:         "127.0.0.1:8787",
			Path:         "/ws",
			MetricsPath:  "/metrics",
			CompactEvery: 200,
		},
		Session: SessionConfig{
			AutosaveInterval:   sc.AutosaveInterval,
			LeaderDelay:        sc.LeaderDelay,
			HealthGrace:        sc.HealthGrace,
			UndoCaptureTimeout: sc.UndoCaptureTimeout,
			QueueSize:          sc.QueueSize,
			LockTTL:            sc.Presence.TTL,
			LockRenewInterval:  sc.Presence.RenewInterval,
			LockCleanupAfter:   sc.Presence.CleanupAfter,
			DragGrace:          sc.Presence.DragGrace,
		},
	}
}

// Development 报告是否为开发环境。
func (c Config) Development() bool {
	return c.Environment == "development"
}

// Validate 校验配置。
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return err
	}
	return nil
}

// SessionFor 生成指定文档与身份的会话配置。
func (c Config) SessionFor(documentID string, user presence.Identity) session.Config {
	sc := session.DefaultConfig()
	sc.DocumentID = documentID
	sc.User = user
	sc.AutosaveInterval = c.Session.AutosaveInterval
	sc.LeaderDelay = c.Session.LeaderDelay
	sc.HealthGrace = c.Session.HealthGrace
	sc.UndoCaptureTimeout = c.Session.UndoCaptureTimeout
	sc.QueueSize = c.Session.QueueSize
	sc.Presence = presence.Config{
		TTL:           c.Session.LockTTL,
		RenewInterval: c.Session.LockRenewInterval,
		CleanupAfter:  c.Session.LockCleanupAfter,
		DragGrace:     c.Session.DragGrace,
	}
	return sc
}

// Load 读取配置。path 为空时只使用默认值与环境变量。
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func boolean(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func duration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

var envVars = []envVar{
	{"ENV", str(func(c *Config) *string { return &c.Environment })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"RELAY_ADDR", str(func(c *Config) *string { return &c.Relay.Addr })},
	{"RELAY_PATH", str(func(c *Config) *string { return &c.Relay.Path })},
	{"METRICS_PATH", str(func(c *Config) *string { return &c.Relay.MetricsPath })},
	{"DATA_DIR", str(func(c *Config) *string { return &c.Relay.DataDir })},
	{"IN_MEMORY", boolean(func(c *Config) *bool { return &c.Relay.InMemory })},
	{"COMPACT_EVERY", integer(func(c *Config) *int { return &c.Relay.CompactEvery })},
	{"AUTOSAVE_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Session.AutosaveInterval })},
	{"LEADER_DELAY", duration(func(c *Config) *time.Duration { return &c.Session.LeaderDelay })},
	{"HEALTH_GRACE", duration(func(c *Config) *time.Duration { return &c.Session.HealthGrace })},
	{"UNDO_CAPTURE_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Session.UndoCaptureTimeout })},
	{"QUEUE_SIZE", integer(func(c *Config) *int { return &c.Session.QueueSize })},
	{"LOCK_TTL", duration(func(c *Config) *time.Duration { return &c.Session.LockTTL })},
	{"LOCK_RENEW_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Session.LockRenewInterval })},
	{"LOCK_CLEANUP_AFTER", duration(func(c *Config) *time.Duration { return &c.Session.LockCleanupAfter })},
	{"DRAG_GRACE", duration(func(c *Config) *time.Duration { return &c.Session.DragGrace })},
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	for _, ev := range envVars {
		v := getenv(EnvPrefix + ev.name)
		if v == "" {
			continue
		}
		if err := ev.set(cfg, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, ev.name, err)
		}
	}
	return nil
}
