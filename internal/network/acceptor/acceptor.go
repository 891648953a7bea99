package acceptor

import (
	"context"
	"net"
	"net/http"
	"time"

	network "github.com/lk2023060901/chat-relay-go/internal/network"
	"github.com/lk2023060901/chat-relay-go/internal/network/codec"
	"github.com/lk2023060901/chat-relay-go/internal/network/session"
)

// Config 描述 Acceptor 在会话层面的配置。
//
// 说明：
//   - SendQueueSize/RecvQueueSize 控制每个连接的发送/接收缓冲队列大小；
//   - ReadTimeout 为读超时，收到任意数据帧或 pong 时顺延，为 0 表示不设置 deadline；
//   - WriteTimeout 控制单次写帧的超时时间；
//   - PingInterval 为服务端 ping 间隔，为 0 时取 ReadTimeout 的 9/10；
//   - Path 控制 WebSocket 的升级路径（如 "/ws"）。
type Config struct {
	SendQueueSize int
	RecvQueueSize int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration

	// MaxMessageSize 为单帧允许的最大字节数，超过时连接被关闭。
	MaxMessageSize int64

	Path string

	// Subprotocols 为服务端支持的子协议，握手时选择第一个客户端也提供的子协议。
	Subprotocols []string

	// AllowedOrigins 为允许的 Origin 列表，为空表示不校验。
	AllowedOrigins []string

	// Codec 为当前接入层使用的编解码器。为空时使用严格模式的 JSON Codec。
	Codec codec.Codec

	// Sessions 为会话索引，为空时内部创建 BaseSessionManager。
	Sessions session.SessionManager
}

// 默认配置。
func defaultConfig() Config {
	return Config{
		SendQueueSize:  256,
		RecvQueueSize:  64,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 << 10,
		Path:           "/ws",
	}
}

// Handshaker 在 WebSocket 升级之前对请求做鉴权。
//
// 返回的 principal 会透传到 Session.Principal()；返回错误时连接被拒绝，
// 不会创建会话。
type Handshaker interface {
	Handshake(r *http.Request) (principal any, err error)
}

// HandshakeFunc 允许使用普通函数作为 Handshaker。
type HandshakeFunc func(r *http.Request) (any, error)

// Handshake 实现 Handshaker。
func (f HandshakeFunc) Handshake(r *http.Request) (any, error) {
	return f(r)
}

// AcceptorHandler 由框架使用者实现，用于在服务器侧的各个阶段插入自定义逻辑。
//
// 说明：
//   - 同一会话上的 OnMessage 在单个消费协程中串行调用，保证事件按到达顺序处理；
//   - 回调应避免长时间阻塞，否则会拖慢该会话后续事件的处理。
type AcceptorHandler interface {
	// OnConnected 在握手成功并创建好会话后被调用，此时尚未开始读取事件。
	//
	// 返回错误时会话被关闭。
	OnConnected(sess session.Session) error

	// OnMessage 在成功解码出一条信封后被调用。
	OnMessage(sess session.Session, env codec.Envelope)

	// OnClosed 在会话生命周期结束时被调用。
	//
	// 参数 err 为关闭原因，正常关闭时可为 nil。
	OnClosed(sess session.Session, err error)

	// OnError 在会话处理的各个阶段发生错误时被调用。
	//
	// stage 用于标识错误发生的位置，便于监控与排查；握手阶段 sess 为 nil。
	OnError(sess session.Session, stage network.Stage, err error)
}

// Acceptor 抽象了服务器侧的 WebSocket 接入层。
//
// 职责：
//   - 处理 HTTP 到 WebSocket 的升级，升级前调用 Handshaker 鉴权；
//   - 为每个连接创建 Session，并调用 AcceptorHandler 的各阶段回调；
//   - 维护当前活跃会话列表，便于广播、运维与监控。
type Acceptor interface {
	http.Handler

	// Handle 在同一个 HTTP 服务上挂载额外的路由（例如 /healthz、/metrics）。
	Handle(pattern string, h http.Handler)

	// Serve 在给定 listener 上启动服务，阻塞直至 ctx 取消或出现致命错误。
	Serve(ctx context.Context, ln net.Listener) error

	// Shutdown 停止接受新连接，已建立的会话不受影响。
	Shutdown(ctx context.Context) error

	// CloseSessions 关闭所有会话并等待其清理回调执行完毕。
	CloseSessions(ctx context.Context) error

	// Sessions 返回当前活跃会话的快照。
	Sessions() []session.Session
}
