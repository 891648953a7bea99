package acceptor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-relay-go/internal/json"
	network "github.com/lk2023060901/chat-relay-go/internal/network"
	"github.com/lk2023060901/chat-relay-go/internal/network/codec"
	"github.com/lk2023060901/chat-relay-go/internal/network/session"
	"github.com/lk2023060901/chat-relay-go/pkg/log"
	"github.com/lk2023060901/chat-relay-go/pkg/metrics"
	"github.com/lk2023060901/chat-relay-go/pkg/util/logutil"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

// WSAcceptor 是 Acceptor 接口基于 gorilla/websocket 的实现。
//
// 设计目标：
//   - 对外只暴露 Acceptor 接口和 AcceptorHandler 回调，不绑定具体业务逻辑；
//   - 内部负责：鉴权、升级、创建 Session、驱动解码并回调 Handler；
//   - 每个连接的事件在独立的消费循环中串行处理，保证同一 Session 上 Handler 串行执行。
type WSAcceptor struct {
	cfg        Config
	handshaker Handshaker
	handler    AcceptorHandler
	upgrader   websocket.Upgrader
	mux        *http.ServeMux
	baseCtx    context.Context

	closing atomic.Bool

	mu             sync.Mutex
	server         *http.Server
	sessionsClosed bool
	conns          sync.WaitGroup
}

// 确保 WSAcceptor 实现了 Acceptor 接口。
var _ Acceptor = (*WSAcceptor)(nil)

// principalIdentifier 为可选接口，Principal 实现后其 ID 会写入会话日志字段。
type principalIdentifier interface {
	PrincipalID() string
}

// refusal 为握手被拒绝时返回的 JSON 响应体。
type refusal struct {
	Error string `json:"error"`
}

// NewWSAcceptor 创建一个 WebSocket 接入器。
//
// 参数：
//   - cfg：接入配置，零值字段使用默认配置；
//   - hs ：握手鉴权，不能为空；
//   - h  ：业务回调，不能为空。
func NewWSAcceptor(cfg Config, hs Handshaker, h AcceptorHandler) (*WSAcceptor, error) {
	if hs == nil {
		return nil, fmt.Errorf("acceptor: handshaker is nil")
	}
	if h == nil {
		return nil, fmt.Errorf("acceptor: handler is nil")
	}
	cfg = withDefaults(cfg)

	a := &WSAcceptor{
		cfg:        cfg,
		handshaker: hs,
		handler:    h,
		mux:        http.NewServeMux(),
		baseCtx:    log.WithModule(context.Background(), "acceptor"),
	}
	a.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     cfg.Subprotocols,
		CheckOrigin:      a.checkOrigin,
		Error: func(w http.ResponseWriter, _ *http.Request, status int, reason error) {
			a.handler.OnError(nil, network.StageHandshake, errors.Wrap(reason, network.ErrCodeHandshakeFailed))
			http.Error(w, http.StatusText(status), status)
		},
	}
	a.mux.Handle(cfg.Path, a)
	return a, nil
}

func withDefaults(cfg Config) Config {
	def := defaultConfig()
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.RecvQueueSize <= 0 {
		cfg.RecvQueueSize = def.RecvQueueSize
	}
	if cfg.ReadTimeout < 0 {
		cfg.ReadTimeout = 0
	}
	if cfg.PingInterval <= 0 && cfg.ReadTimeout > 0 {
		cfg.PingInterval = cfg.ReadTimeout * 9 / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.New(codec.Options{})
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewBaseSessionManager()
	}
	return cfg
}

// Handle 实现 Acceptor.Handle。
func (a *WSAcceptor) Handle(pattern string, h http.Handler) {
	a.mux.Handle(pattern, h)
}

// Mux 返回挂载了升级路径与附加路由的 HTTP 处理器，可直接交给 httptest.Server。
func (a *WSAcceptor) Mux() http.Handler {
	return a.mux
}

// Serve 实现 Acceptor.Serve。
func (a *WSAcceptor) Serve(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		return fmt.Errorf("acceptor: listener is nil")
	}
	srv := &http.Server{
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()
	if a.closing.Load() {
		return nil
	}

	log.Ctx(a.baseCtx).Info("acceptor serving", zap.String("addr", ln.Addr().String()), zap.String("path", a.cfg.Path))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown 实现 Acceptor.Shutdown。
//
// 升级后的连接已脱离 http.Server 管理，不会被 Shutdown 关闭。
func (a *WSAcceptor) Shutdown(ctx context.Context) error {
	a.closing.Store(true)
	a.mu.Lock()
	srv := a.server
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// CloseSessions 实现 Acceptor.CloseSessions。
func (a *WSAcceptor) CloseSessions(ctx context.Context) error {
	a.mu.Lock()
	a.sessionsClosed = true
	a.mu.Unlock()

	for _, sess := range a.Sessions() {
		_ = sess.Close()
	}

	done := make(chan struct{})
	go func() {
		a.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions 实现 Acceptor.Sessions。
func (a *WSAcceptor) Sessions() []session.Session {
	var out []session.Session
	a.cfg.Sessions.Range(func(sess session.Session) bool {
		out = append(out, sess)
		return true
	})
	return out
}

// ServeHTTP 处理一次 WebSocket 升级请求。
//
// 流程：
//  1. 调用 Handshaker 鉴权，失败时直接返回 JSON 错误，不进行升级；
//  2. 升级连接并创建 Session；
//  3. 在当前协程中驱动该连接的完整生命周期。
func (a *WSAcceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.closing.Load() {
		a.refuse(w, merr.WrapErrServiceNotReady("acceptor", "closing"))
		return
	}

	principal, err := a.handshaker.Handshake(r)
	if err != nil {
		a.refuse(w, err)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader.Error 已经写回响应并上报错误。
		return
	}

	a.mu.Lock()
	if a.sessionsClosed {
		a.mu.Unlock()
		_ = conn.Close()
		return
	}
	a.conns.Add(1)
	a.mu.Unlock()
	defer a.conns.Done()

	a.handleConnection(conn, principal, r.Header)
}

// refuse 在升级前拒绝连接。
func (a *WSAcceptor) refuse(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case merr.Category(err) == merr.CategoryAuthentication && !errors.Is(err, merr.ErrAuthFailed):
		status = http.StatusUnauthorized
	case errors.Is(err, merr.ErrServiceNotReady) || merr.IsRetryableErr(err):
		status = http.StatusServiceUnavailable
	}
	metrics.HandshakeRefusals.WithLabelValues(strconv.Itoa(int(merr.Code(err)))).Inc()
	a.handler.OnError(nil, network.StageHandshake, err)

	body, _ := json.Marshal(refusal{Error: merr.ClientMessage(err, merr.ErrServiceUnavailable)})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (a *WSAcceptor) checkOrigin(r *http.Request) bool {
	if len(a.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return lo.Contains(a.cfg.AllowedOrigins, origin)
}

// handleConnection 处理单个连接的生命周期。
//
// 流程：
//  1. 创建 Session 并注册到 SessionManager；
//  2. 调用 Handler.OnConnected，失败时关闭会话；
//  3. 通过读协程循环读取文本帧，将结果投递到 per-session 消息队列；
//  4. 在当前协程中按顺序解码并回调 Handler.OnMessage；
//  5. 读失败或会话被关闭后，注销会话并调用 OnDisconnected 与 Handler.OnClosed。
func (a *WSAcceptor) handleConnection(conn *websocket.Conn, principal any, header http.Header) {
	id := uuid.NewString()
	var userID string
	if p, ok := principal.(principalIdentifier); ok {
		userID = p.PrincipalID()
	}
	ctx := log.WithModule(logutil.WithHandshakeFields(context.Background(), header), "acceptor")
	ctx = log.WithSession(ctx, id, userID, conn.RemoteAddr().String())

	conn.SetReadLimit(a.cfg.MaxMessageSize)
	sess := session.NewWSSession(ctx, id, principal, conn, a.cfg.Codec, session.Options{
		SendQueueSize: a.cfg.SendQueueSize,
		WriteTimeout:  a.cfg.WriteTimeout,
		PingInterval:  a.cfg.PingInterval,
	})

	if err := a.cfg.Sessions.Register(sess); err != nil {
		a.handler.OnError(sess, network.StageHandshake, err)
		_ = sess.Close()
		return
	}
	metrics.ActiveConnections.Inc()

	var cause error
	defer func() {
		_ = sess.Close()
		_ = a.cfg.Sessions.Unregister(id)
		metrics.ActiveConnections.Dec()
		sess.OnDisconnected(cause)
		a.handler.OnClosed(sess, cause)
	}()

	if err := a.handler.OnConnected(sess); err != nil {
		cause = err
		return
	}
	sess.OnConnected()

	// per-session 消息队列：读协程负责投递，当前协程顺序消费。
	frames := make(chan []byte, a.cfg.RecvQueueSize)
	readErr := make(chan error, 1)
	go func() {
		readErr <- a.readLoop(sess, conn, frames)
		close(frames)
	}()

	for frame := range frames {
		env, err := a.cfg.Codec.Decode(frame)
		if err != nil {
			a.handler.OnError(sess, network.StageDecode, merr.WrapErrFrameMalformed(err))
			continue
		}
		a.handler.OnMessage(sess, env)
	}
	cause = <-readErr
}

// readLoop 持续从连接中读取文本帧，将结果写入 frames 通道。
//
// 返回值：
//   - 非 nil error 表示读过程中发生的异常（超时、帧过大、协议错误等）；
//   - nil 表示正常结束（对端正常关闭或本端主动关闭）。
func (a *WSAcceptor) readLoop(sess session.Session, conn *websocket.Conn, frames chan<- []byte) error {
	a.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		a.extendReadDeadline(conn)
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if sess.Closed() || errors.Is(err, net.ErrClosed) ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			a.handler.OnError(sess, network.StageRecvRaw, err)
			return errors.Wrap(err, network.ErrCodeRecvFailed)
		}
		a.extendReadDeadline(conn)

		if messageType != websocket.TextMessage {
			a.handler.OnError(sess, network.StageRecvRaw, merr.WrapErrFrameMalformed(errors.New("only text frames are accepted")))
			continue
		}

		select {
		case frames <- data:
		case <-sess.Context().Done():
			return nil
		}
	}
}

func (a *WSAcceptor) extendReadDeadline(conn *websocket.Conn) {
	if a.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
	}
}
