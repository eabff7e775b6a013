package wsrelay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/transport"
)

// ErrSendBufferFull 在发送缓冲区已满时返回。
var ErrSendBufferFull = errors.New("wsrelay: send buffer full")

// ClientConfig 是客户端配置。
type ClientConfig struct {
	// MinBackoff 与 MaxBackoff 限定重连间隔，每次失败翻倍。
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Header     http.Header
}

// DefaultClientConfig 返回默认配置。
func DefaultClientConfig() ClientConfig {
	return ClientConfig{MinBackoff: 250 * time.Millisecond, MaxBackoff: 10 * time.Second}
}

// Client 是到中继的连接，实现 transport.Conn。断开后自动重连，每次重连获得新的连接 ID。
type Client struct {
	url    string
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger *zap.Logger

	mu     sync.Mutex
	id     uint64
	send   chan []byte
	conn   *websocket.Conn
	closed bool

	cancel context.CancelFunc
	done   chan struct{}

	messages transport.Fanout[transport.Message]
	status   transport.Fanout[bool]
}

var _ transport.Conn = (*Client)(nil)

// ClientOption 配置 Client。
type ClientOption func(*Client)

// WithClientConfig 覆盖默认配置。
func WithClientConfig(cfg ClientConfig) ClientOption {
	return func(c *Client) {
		c.cfg = cfg
	}
}

// WithClientLogger 指定日志记录器。
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Dial 创建客户端并在后台连接 url（形如 ws://host/ws?doc=<id>）。返回时连接可能尚未建立，
// 通过 OnStatus 获知连接状态。
func Dial(ctx context.Context, url string, opts ...ClientOption) *Client {
	c := &Client{
		url:    url,
		cfg:    DefaultClientConfig(),
		dialer: websocket.DefaultDialer,
		logger: zap.NewNop(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.MinBackoff <= 0 {
		c.cfg.MinBackoff = DefaultClientConfig().MinBackoff
	}
	if c.cfg.MaxBackoff < c.cfg.MinBackoff {
		c.cfg.MaxBackoff = c.cfg.MinBackoff
	}
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return c
}

func (c *Client) ID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) Send(m transport.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.id == 0 {
		return transport.ErrNotConnected
	}
	m.From = c.id
	data, err := transport.Encode(m)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) OnMessage(fn func(transport.Message)) func() {
	return c.messages.Add(fn)
}

func (c *Client) OnStatus(fn func(bool)) func() {
	return c.status.Add(fn)
}

// Drop 主动断开当前连接，随后按退避重连。
func (c *Client) Drop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close 断开并停止重连。
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	<-c.done
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	backoff := c.cfg.MinBackoff
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = c.cfg.MinBackoff
		}
		if err != nil {
			c.logger.Debug("relay connection ended", zap.Error(err), zap.Duration("retryIn", backoff))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if !connected {
			backoff = min(backoff*2, c.cfg.MaxBackoff)
		}
	}
}

// session 建立一次连接并阻塞到连接断开。
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.cfg.Header)
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	welcome, err := readFrame(conn)
	if err != nil {
		return false, err
	}
	if welcome.Kind != transport.KindWelcome || welcome.From == 0 {
		return false, fmt.Errorf("unexpected first frame %s", welcome.Kind)
	}

	send := make(chan []byte, sendBufferSize)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, transport.ErrClosed
	}
	c.id, c.conn, c.send = welcome.From, conn, send
	c.mu.Unlock()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writeLoop(conn, send, c.logger)
	}()

	c.logger.Info("connected to relay", zap.Uint64("conn", welcome.From))
	c.status.Emit(true)

	for {
		m, err := readFrame(conn)
		if err != nil {
			break
		}
		c.messages.Emit(m)
	}

	c.mu.Lock()
	c.id, c.conn, c.send = 0, nil, nil
	c.mu.Unlock()
	close(send)
	<-writerDone
	c.status.Emit(false)
	return true, nil
}

func readFrame(conn *websocket.Conn) (transport.Message, error) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return transport.Message{}, err
		}
		if kind == websocket.BinaryMessage {
			return transport.Decode(data)
		}
	}
}

func writeLoop(conn *websocket.Conn, send <-chan []byte, logger *zap.Logger) {
	for data := range send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			logger.Debug("relay write failed", zap.Error(err))
			conn.Close()
			// 排空，等待读循环结束后关闭通道。
			for range send {
			}
			return
		}
	}
}
