package session

import (
	"context"
	"net"
	"time"
)

// Session 抽象了一条网络会话/连接。
//
// 约定：
//   - 每个 Session 对应一条底层 WebSocket 连接，且在其生命周期内只属于一个身份。
//   - Session ID 使用 UUID 字符串，在进程内保持唯一。
//   - 框架层只关心会话本身，身份信息以 Principal 的形式透传给业务层。
type Session interface {
	// ID 返回该会话在进程内的唯一标识。
	ID() string

	// Context 返回与该会话关联的上下文。
	//
	// 会话关闭时 Context.Done() 被触发。业务层若需要在断开后继续完成进行中的操作，
	// 应使用 context.WithoutCancel 派生上下文。
	Context() context.Context

	// Principal 返回握手阶段鉴权得到的身份对象，由 Handshaker 决定具体类型。
	Principal() any

	// CreatedAt 返回会话建立时间。
	CreatedAt() time.Time

	// RemoteAddr 返回远端地址（客户端地址）。
	RemoteAddr() net.Addr

	// LocalAddr 返回本端地址（服务器监听地址）。
	LocalAddr() net.Addr

	// Send 编码一条事件并投递到发送队列，不会阻塞。
	//
	// 队列已满时视为慢连接：会话被关闭并返回 merr.ErrSendQueueFull。
	Send(event string, msg any) error

	// SendFrame 投递一帧已编码好的数据，用于广播时避免重复编码。
	SendFrame(frame []byte) error

	// Close 主动关闭该会话，多次调用是幂等的。
	Close() error

	// Closed 判断会话是否已关闭。
	Closed() bool

	// OnConnected 在会话建立成功后被调用一次。
	OnConnected()

	// OnDisconnected 在会话检测到底层连接断开时被调用。
	//
	// 参数 err 为断开原因；正常关闭时可为 nil。
	OnDisconnected(err error)
}
