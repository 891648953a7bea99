package connector

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	network "github.com/lk2023060901/chat-relay-go/internal/network"
	"github.com/lk2023060901/chat-relay-go/internal/network/codec"
	"github.com/lk2023060901/chat-relay-go/internal/network/serializer"
	"github.com/lk2023060901/chat-relay-go/pkg/util/conc"
)

// Config 描述客户端连接的基础配置。
type Config struct {
	SendQueueSize int
	RecvQueueSize int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Subprotocols 为握手时提供的子协议列表（例如 "chat.v1"、"token.<jwt>"）。
	Subprotocols []string

	// Codec 为当前连接使用的编解码器，为空时使用宽松模式的 JSON Codec。
	Codec codec.Codec
}

func defaultConfig() Config {
	return Config{
		SendQueueSize: 64,
		RecvQueueSize: 256,
	}
}

// ClientConn 抽象了客户端侧的一条连接。
//
// 注意：客户端连接不包含会话 ID 概念。
type ClientConn interface {
	Context() context.Context
	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	// Subprotocol 返回服务端选择的子协议。
	Subprotocol() string

	// Send 将一条事件投递到发送队列。
	Send(event string, msg any) error

	// SendRaw 直接投递一帧原始文本。
	SendRaw(frame []byte) error

	// Recv 返回收到的信封，连接关闭后通道被关闭。
	Recv() <-chan codec.Envelope

	Close() error
}

// ConnectorHandler 描述客户端在各阶段的回调能力，所有方法均为可选通知。
type ConnectorHandler interface {
	OnConnected(conn ClientConn)
	OnClosed(conn ClientConn, err error)
	OnError(conn ClientConn, stage network.Stage, err error)
}

// Connector 抽象了客户端的拨号器。
type Connector interface {
	// Dial 建立连接。握手被拒绝时返回的 *http.Response 携带服务端响应，
	// 调用方负责关闭其 Body。
	Dial(ctx context.Context, urlStr string, header http.Header) (ClientConn, *http.Response, error)
}

// wsConnector 是基于 gorilla/websocket 的默认 Connector 实现。
type wsConnector struct {
	cfg Config
	h   ConnectorHandler
}

// NewWSConnector 创建一个基于 WebSocket 的 Connector，h 可以为空。
func NewWSConnector(cfg Config, h ConnectorHandler) Connector {
	def := defaultConfig()
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.RecvQueueSize <= 0 {
		cfg.RecvQueueSize = def.RecvQueueSize
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.New(codec.Options{Serializer: serializer.JSONSerializer{}})
	}
	if h == nil {
		h = nopHandler{}
	}
	return &wsConnector{cfg: cfg, h: h}
}

func (c *wsConnector) Dial(ctx context.Context, urlStr string, header http.Header) (ClientConn, *http.Response, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     c.cfg.Subprotocols,
	}
	conn, resp, err := dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		return nil, resp, errors.Wrap(err, network.ErrCodeHandshakeFailed)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	cc := newWSClientConn(connCtx, cancel, conn, c.cfg, c.h)
	c.h.OnConnected(cc)
	return cc, resp, nil
}

// wsClientConn 是基于 WebSocket 的 ClientConn 默认实现。
type wsClientConn struct {
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	cfg Config
	h   ConnectorHandler

	remoteAddr net.Addr
	localAddr  net.Addr

	// sendChan 从不关闭，sendLoop 通过 ctx 退出；recvChan 只由 recvLoop 写入并关闭。
	sendChan chan []byte
	recvChan chan codec.Envelope

	closeOnce sync.Once
}

func newWSClientConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	cfg Config,
	h ConnectorHandler,
) *wsClientConn {
	c := &wsClientConn{
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		h:          h,
		remoteAddr: conn.RemoteAddr(),
		localAddr:  conn.LocalAddr(),
		sendChan:   make(chan []byte, cfg.SendQueueSize),
		recvChan:   make(chan codec.Envelope, cfg.RecvQueueSize),
	}

	// 使用 conc.Go 启动收发协程，避免直接使用原生 go 关键字。
	_ = conc.Go(func() (struct{}, error) {
		c.recvLoop()
		return struct{}{}, nil
	})
	_ = conc.Go(func() (struct{}, error) {
		c.sendLoop()
		return struct{}{}, nil
	})

	return c
}

// ClientConn 接口实现。

func (c *wsClientConn) Context() context.Context    { return c.ctx }
func (c *wsClientConn) RemoteAddr() net.Addr        { return c.remoteAddr }
func (c *wsClientConn) LocalAddr() net.Addr         { return c.localAddr }
func (c *wsClientConn) Subprotocol() string         { return c.conn.Subprotocol() }
func (c *wsClientConn) Recv() <-chan codec.Envelope { return c.recvChan }
func (c *wsClientConn) Close() error                { return c.close(nil) }

func (c *wsClientConn) Send(event string, msg any) error {
	frame, err := c.cfg.Codec.Encode(event, msg)
	if err != nil {
		c.h.OnError(c, network.StageEncode, err)
		return errors.Wrap(err, network.ErrCodeEncodeFailed)
	}
	return c.SendRaw(frame)
}

func (c *wsClientConn) SendRaw(frame []byte) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case c.sendChan <- frame:
		return nil
	}
}

func (c *wsClientConn) write(messageType int, data []byte) error {
	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsClientConn) close(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
		c.h.OnClosed(c, cause)
	})
	return err
}

// recvLoop 持续读取 WebSocket 文本帧并解码为信封。
func (c *wsClientConn) recvLoop() {
	defer close(c.recvChan)

	for {
		if c.cfg.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}

		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.h.OnError(c, network.StageRecvRaw, err)
				_ = c.close(errors.Wrap(err, network.ErrCodeRecvFailed))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		env, err := c.cfg.Codec.Decode(data)
		if err != nil {
			c.h.OnError(c, network.StageDecode, err)
			continue
		}

		select {
		case <-c.ctx.Done():
			return
		case c.recvChan <- env:
		}
	}
}

// sendLoop 从 sendChan 读取已编码的帧并写入 WebSocket。
func (c *wsClientConn) sendLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.sendChan:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.h.OnError(c, network.StageSend, err)
				_ = c.close(errors.Wrap(err, network.ErrCodeSendFailed))
				return
			}
		}
	}
}

type nopHandler struct{}

func (nopHandler) OnConnected(ClientConn)                   {}
func (nopHandler) OnClosed(ClientConn, error)               {}
func (nopHandler) OnError(ClientConn, network.Stage, error) {}
