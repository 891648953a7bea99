package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-relay-go/internal/network/codec"
	"github.com/lk2023060901/chat-relay-go/pkg/log"
	"github.com/lk2023060901/chat-relay-go/pkg/metrics"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

// Options 描述单个 WSSession 的收发参数。
type Options struct {
	// SendQueueSize 为发送队列容量。
	SendQueueSize int
	// WriteTimeout 为单次写帧的超时时间，为 0 表示不设置 deadline。
	WriteTimeout time.Duration
	// PingInterval 为服务端发送 ping 的间隔，为 0 表示不发送。
	PingInterval time.Duration
}

// defaultSendQueueSize 为每个会话的发送队列容量。
const defaultSendQueueSize = 256

// WSSession 是基于 gorilla/websocket 的 Session 实现。
//
// 写路径只在 sendLoop 协程中执行，避免多个 goroutine 并发写 conn 导致帧交叉。
type WSSession struct {
	id        string
	principal any
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	conn  *websocket.Conn
	codec codec.Codec
	opts  Options

	remoteAddr net.Addr
	localAddr  net.Addr

	// sendQueue 为待发送帧的队列，从不关闭，sendLoop 通过 ctx 退出。
	sendQueue chan []byte

	closed    atomic.Bool
	closeOnce sync.Once
	loopDone  chan struct{}
}

// 确保 WSSession 实现了 Session 接口。
var _ Session = (*WSSession)(nil)

// NewWSSession 创建一个会话并启动其发送协程。
//
// 参数：
//   - parent   ：会话所属的上层上下文；若为 nil，则使用 context.Background()；
//   - id       ：会话 ID；
//   - principal：握手得到的身份对象；
//   - conn     ：已完成升级的 WebSocket 连接；
//   - c        ：用于该连接的 Codec。
func NewWSSession(parent context.Context, id string, principal any, conn *websocket.Conn, c codec.Codec, opts Options) *WSSession {
	if parent == nil {
		parent = context.Background()
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultSendQueueSize
	}
	ctx, cancel := context.WithCancel(parent)

	s := &WSSession{
		id:         id,
		principal:  principal,
		createdAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		codec:      c,
		opts:       opts,
		remoteAddr: conn.RemoteAddr(),
		localAddr:  conn.LocalAddr(),
		sendQueue:  make(chan []byte, opts.SendQueueSize),
		loopDone:   make(chan struct{}),
	}

	go s.sendLoop()

	return s
}

// ID 实现 Session.ID。
func (s *WSSession) ID() string {
	return s.id
}

// Context 实现 Session.Context。
func (s *WSSession) Context() context.Context {
	return s.ctx
}

// Principal 实现 Session.Principal。
func (s *WSSession) Principal() any {
	return s.principal
}

// CreatedAt 实现 Session.CreatedAt。
func (s *WSSession) CreatedAt() time.Time {
	return s.createdAt
}

// RemoteAddr 实现 Session.RemoteAddr。
func (s *WSSession) RemoteAddr() net.Addr {
	return s.remoteAddr
}

// LocalAddr 实现 Session.LocalAddr。
func (s *WSSession) LocalAddr() net.Addr {
	return s.localAddr
}

// Send 实现 Session.Send。
func (s *WSSession) Send(event string, msg any) error {
	frame, err := s.codec.Encode(event, msg)
	if err != nil {
		return err
	}
	return s.SendFrame(frame)
}

// SendFrame 实现 Session.SendFrame。
func (s *WSSession) SendFrame(frame []byte) error {
	if s.closed.Load() {
		return merr.WrapErrSessionClosed(s.id)
	}
	select {
	case <-s.ctx.Done():
		return merr.WrapErrSessionClosed(s.id)
	case s.sendQueue <- frame:
		return nil
	default:
		// 慢连接：对端长时间不读取，继续堆积只会拖累广播方。
		metrics.SlowConsumerClosed.Inc()
		log.Ctx(s.ctx).RatedWarn(1, "send queue full, closing slow session",
			log.FieldSessionID(s.id), zap.Int("capacity", cap(s.sendQueue)))
		go s.abort()
		return merr.WrapErrSendQueueFull(s.id, cap(s.sendQueue))
	}
}

// Close 实现 Session.Close。
//
// 关闭前尽量写出队列中剩余的帧（例如关闭前下发的 error 事件）。
func (s *WSSession) Close() error {
	return s.shutdown(true)
}

// abort 立即关闭会话，丢弃队列中剩余的帧。
func (s *WSSession) abort() {
	_ = s.shutdown(false)
}

func (s *WSSession) shutdown(flush bool) error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		// 先取消上下文，让 sendLoop 退出后再关闭连接，
		// 保证 close 控制帧不会与正在写的数据帧交叉。
		s.cancel()
		<-s.loopDone
		if flush {
			s.flush()
		}
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = s.conn.Close()
	})
	return err
}

func (s *WSSession) flush() {
	for {
		select {
		case frame := <-s.sendQueue:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Closed 实现 Session.Closed。
func (s *WSSession) Closed() bool {
	return s.closed.Load()
}

// OnConnected 默认实现为空，方便在自定义 Session 中覆写。
func (s *WSSession) OnConnected() {}

// OnDisconnected 默认实现为空，方便在自定义 Session 中覆写。
func (s *WSSession) OnDisconnected(error) {}

// sendLoop 为每个会话启动的专职发送协程。
//
// 行为：
//   - 从 sendQueue 中按顺序取出帧并写入 conn；
//   - 按 PingInterval 发送 ping，配合读侧的 pong 处理维持读超时；
//   - 写失败视为会话异常，取消上下文，读侧随之退出并触发清理。
func (s *WSSession) sendLoop() {
	defer close(s.loopDone)

	var pingC <-chan time.Time
	if s.opts.PingInterval > 0 {
		ticker := time.NewTicker(s.opts.PingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.sendQueue:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				log.Ctx(s.ctx).Debug("write frame failed", log.FieldSessionID(s.id), zap.Error(err))
				s.closed.Store(true)
				s.cancel()
				_ = s.conn.Close()
				return
			}
		case <-pingC:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.closed.Store(true)
				s.cancel()
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *WSSession) write(messageType int, data []byte) error {
	if s.opts.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(messageType, data)
}
