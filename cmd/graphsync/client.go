package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/internal/config"
	"github.com/network-goods-institute/negation-game-sub014/internal/metrics"
	"github.com/network-goods-institute/negation-game-sub014/pkg/health"
	"github.com/network-goods-institute/negation-game-sub014/pkg/presence"
	"github.com/network-goods-institute/negation-game-sub014/pkg/session"
	"github.com/network-goods-institute/negation-game-sub014/pkg/transport/wsrelay"
)

type clientOptions struct {
	url, doc, user, name, color string
	metrics                     string
}

func (o clientOptions) endpoint() string {
	sep := "?"
	if strings.Contains(o.url, "?") {
		sep = "&"
	}
	return o.url + sep + "doc=" + o.doc
}

// runClient 连接中继并进入交互模式。持久化由中继负责，客户端不保存快照。
func runClient(cfg config.Config, opts clientOptions, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := wsrelay.Dial(ctx, opts.endpoint(), wsrelay.WithClientLogger(logger.Named("ws")))
	defer conn.Close()

	sc := cfg.SessionFor(opts.doc, presence.Identity{UserID: opts.user, Name: opts.name, Color: opts.color})
	s, err := session.New(conn, session.WithConfig(sc), session.WithLogger(logger))
	if err != nil {
		return err
	}
	s.Health().Subscribe(func(st health.Status) {
		if st == health.StatusConnected {
			good.Fprintf(os.Stderr, "\n[%s]\n", st)
		} else {
			bad.Fprintf(os.Stderr, "\n[%s]\n", st)
		}
	})
	s.Start(ctx)
	defer s.Stop()

	if opts.metrics != "" {
		handler, err := sessionMetricsHandler(opts.user, s)
		if err != nil {
			return err
		}
		stop := serveMetrics(opts.metrics, cfg.Relay.MetricsPath, handler, logger)
		defer stop()
	}

	bold.Printf("graphsync client %s\n", version)
	fmt.Printf("document:  %s\n", opts.doc)
	fmt.Printf("relay:     %s\n", opts.url)
	fmt.Printf("user:      %s (%s)\n", opts.name, opts.user)
	if opts.metrics != "" {
		fmt.Printf("metrics:   http://%s%s\n", opts.metrics, cfg.Relay.MetricsPath)
	}
	printHelp(os.Stdout)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		quit, err := handleCommand(s, os.Stdout, line)
		if err != nil {
			bad.Printf("error: %v\n", err)
		}
		if quit {
			break
		}
	}
	return scanner.Err()
}

// sessionMetricsHandler 导出单个会话的指标，client 标签为用户 ID。
func sessionMetricsHandler(client string, s *session.Session) (http.Handler, error) {
	collector := metrics.NewSessionCollector(client, func() []metrics.StatsSource {
		return []metrics.StatsSource{s}
	})
	reg, err := metrics.NewRegistry(collector)
	if err != nil {
		return nil, err
	}
	return metrics.Handler(reg), nil
}

// serveMetrics 在后台提供指标端点，返回的函数关闭服务。
func serveMetrics(addr, path string, handler http.Handler, logger *zap.Logger) func() {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	server := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 15 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
