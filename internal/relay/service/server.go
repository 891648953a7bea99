package service

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/chat-relay-go/internal/network/acceptor"
	"github.com/lk2023060901/chat-relay-go/internal/network/codec"
	"github.com/lk2023060901/chat-relay-go/internal/relay/auth"
	"github.com/lk2023060901/chat-relay-go/internal/relay/messaging"
	"github.com/lk2023060901/chat-relay-go/internal/relay/presence"
	"github.com/lk2023060901/chat-relay-go/internal/relay/protocol"
	"github.com/lk2023060901/chat-relay-go/internal/relay/registry"
	"github.com/lk2023060901/chat-relay-go/internal/relay/rooms"
	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/pkg/log"
	"github.com/lk2023060901/chat-relay-go/pkg/util/conc"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

// Subprotocol 为服务端选择的应用子协议。
const Subprotocol = "chat.v1"

// Config 为中继服务的运行参数。
type Config struct {
	Acceptor acceptor.Config

	JWTSecret        string
	MaxContentLength int
	JoinWorkers      int

	PresenceWriteTimeout time.Duration
	ReconcileInterval    time.Duration
	StaleThreshold       time.Duration
	ShutdownTimeout      time.Duration

	// Now 为时间来源，为空时使用 time.Now。
	Now func() time.Time
}

// Server 组装接入层与中继各组件，并负责有序关停。
type Server struct {
	cfg        Config
	hub        *Hub
	acceptor   *acceptor.WSAcceptor
	reconciler *presence.Reconciler
	pool       *conc.Pool[struct{}]

	shutdownOnce sync.Once
	shutdownErr  error
}

// New 使用 store 作为全部持久化协作方创建 Server。
func New(cfg Config, store storage.Store) (*Server, error) {
	if cfg.JoinWorkers <= 0 {
		cfg.JoinWorkers = 16
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Acceptor.Codec == nil {
		cfg.Acceptor.Codec = codec.New(codec.Options{})
	}
	if len(cfg.Acceptor.Subprotocols) == 0 {
		cfg.Acceptor.Subprotocols = []string{Subprotocol}
	}

	authenticator, err := auth.New(cfg.JWTSecret, store, auth.WithClock(cfg.Now))
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	pool := conc.NewPool[struct{}](cfg.JoinWorkers, conc.WithName("room-join"), conc.WithExpiryDuration(time.Minute))
	pm := presence.NewManager(reg, store, presence.Options{
		WriteTimeout: cfg.PresenceWriteTimeout,
		Codec:        cfg.Acceptor.Codec,
		Now:          cfg.Now,
	})
	rm := rooms.New(store, pool)
	relay := messaging.New(store, store, rm, messaging.Options{
		MaxContentLength: cfg.MaxContentLength,
		Codec:            cfg.Acceptor.Codec,
		Now:              cfg.Now,
	})
	hub, err := NewHub(reg, pm, rm, relay, protocol.NewValidator())
	if err != nil {
		pool.Release()
		return nil, err
	}
	acc, err := acceptor.NewWSAcceptor(cfg.Acceptor, authenticator, hub)
	if err != nil {
		pool.Release()
		return nil, err
	}

	return &Server{
		cfg:        cfg,
		hub:        hub,
		acceptor:   acc,
		reconciler: presence.NewReconciler(store, reg, cfg.ReconcileInterval, cfg.StaleThreshold, cfg.Now),
		pool:       pool,
	}, nil
}

// Hub 返回业务回调，供测试断言内部状态。
func (s *Server) Hub() *Hub {
	return s.hub
}

// Reconciler 返回在线状态巡检器。
func (s *Server) Reconciler() *presence.Reconciler {
	return s.reconciler
}

// BindLoggers 为各组件绑定模块级 Logger，模块名为 hub 与 reconciler。
func (s *Server) BindLoggers(logger func(module string) *log.MLogger) {
	s.hub.SetLogger(logger("hub"))
	s.reconciler.SetLogger(logger("reconciler"))
}

// Handle 在同一 HTTP 服务上挂载附加路由。
func (s *Server) Handle(pattern string, h http.Handler) {
	s.acceptor.Handle(pattern, h)
}

// Handler 返回完整的 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	return s.acceptor.Mux()
}

// Serve 启动接入层与巡检，阻塞直到 ctx 结束并完成关停。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.reconciler.Run(gctx)
	})
	g.Go(func() error {
		// 接入层只由 Shutdown 停止，以保证关停顺序。
		return s.acceptor.Serve(context.WithoutCancel(gctx), ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown 按以下顺序关停，多次调用只执行一次：
//  1. 停止巡检；
//  2. 停止接受新连接；
//  3. 并发地把所有在线用户写为离线；
//  4. 关闭全部会话并等待清理回调；
//  5. 清空会话索引、写入队列与房间订阅。
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		logger := log.Ctx(ctx)
		logger.Info("relay shutting down", zap.Int("users", s.hub.registry.Count()))

		var errs []error
		s.reconciler.Stop()
		if err := s.acceptor.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := s.hub.Drain(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := s.acceptor.CloseSessions(ctx); err != nil {
			errs = append(errs, err)
		}
		s.hub.Reset()
		s.pool.Release()

		s.shutdownErr = merr.Combine(errs...)
		logger.Info("relay stopped", zap.Error(s.shutdownErr))
	})
	return s.shutdownErr
}
