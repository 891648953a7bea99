package router

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"github.com/lk2023060901/chat-relay-go/internal/network/codec"
	"github.com/lk2023060901/chat-relay-go/internal/network/serializer"
	"github.com/lk2023060901/chat-relay-go/internal/network/session"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

// Handler 是框架暴露给业务层的通用处理函数签名。
//
// 说明：
//   - ctx ：处理上下文，由调用方决定是否与会话生命周期解耦；
//   - sess：当前会话，用于关联用户身份，并发送响应；
//   - req ：已经经过反序列化与校验的请求对象，具体类型由 Route.NewRequest 决定；
//   - 返回：
//   - resp：可选的响应对象，为 nil 时表示无需自动发送响应；
//   - err ：业务执行失败时的错误，由上层决定如何记录或转换为 error 事件。
type Handler func(ctx context.Context, sess session.Session, req any) (resp any, err error)

// Validator 在反序列化之后、调用 Handler 之前对请求对象做结构校验。
//
// 返回的错误应为 merr 中的校验类错误，Router 原样返回。
type Validator func(event string, req any) error

// Route 描述一条路由规则：事件名 -> 请求类型 + 业务 Handler + 响应事件名。
type Route struct {
	// NewRequest 用于创建一个空的请求对象实例。
	//
	// 要求：
	//   - 必须返回指向具体请求类型的指针（例如：func() any { return &protocol.SendMessage{} }）。
	NewRequest func() any

	// Handler 为业务层实现的处理函数。
	Handler Handler

	// RespEvent 为响应使用的事件名。
	//
	// 说明：
	//   - 为空时 Router 不会根据 Handler 返回值自动发送响应；
	//   - 非空且 Handler 返回非 nil 的 resp 时，Router 通过 sess.Send 发送。
	RespEvent string
}

// Router 维护事件名到路由规则的映射，并负责从信封到业务 Handler 的完整调度流程。
//
// 典型调用链（服务器侧）：
//  1. Codec 从文本帧解析出 Envelope，得到 event + data；
//  2. 上层调用 Router.Handle(ctx, sess, env)；
//  3. Router 根据 env.Event 找到 Route：
//     - NewRequest() 创建请求对象；
//     - 使用 Serializer.Unmarshal(data, req) 严格反序列化；
//     - 调用 Validator 做结构校验；
//     - 调用业务 Handler(ctx, sess, req)；
//     - 如有需要，通过 sess.Send 发送响应。
type Router interface {
	// Register 为事件名注册一条路由规则，同一事件不允许重复注册。
	Register(event string, route Route) error

	// Handle 处理一条已经解析出的信封。
	//
	// 未注册的事件返回 merr.ErrUnknownEvent，负载不符合结构返回 merr.ErrInvalidPayload
	// 或 Validator 给出的错误。
	Handle(ctx context.Context, sess session.Session, env codec.Envelope) error

	// Events 返回已注册的事件名（按字典序）。
	Events() []string
}

// defaultRouter 是 Router 接口的基础实现。
//
// 路由表只在启动阶段写入，Handle 期间只读。
type defaultRouter struct {
	ser      serializer.Serializer
	validate Validator
	routes   map[string]Route
}

// 编译期断言：确保 defaultRouter 实现了 Router 接口。
var _ Router = (*defaultRouter)(nil)

var emptyObject = []byte("{}")

// New 创建一个 Router 实例。
//
// ser 为空时使用严格模式的 JSONSerializer；validate 可以为空。
func New(ser serializer.Serializer, validate Validator) Router {
	if ser == nil {
		ser = serializer.JSONSerializer{Strict: true}
	}
	return &defaultRouter{
		ser:      ser,
		validate: validate,
		routes:   make(map[string]Route),
	}
}

// Register 实现 Router.Register。
func (r *defaultRouter) Register(event string, route Route) error {
	if event == "" {
		return fmt.Errorf("router: event must not be empty")
	}
	if route.NewRequest == nil {
		return fmt.Errorf("router: NewRequest is nil for event=%s", event)
	}
	if route.Handler == nil {
		return fmt.Errorf("router: Handler is nil for event=%s", event)
	}
	if _, exists := r.routes[event]; exists {
		return fmt.Errorf("router: event=%s already registered", event)
	}
	r.routes[event] = route
	return nil
}

// Handle 实现 Router.Handle。
func (r *defaultRouter) Handle(ctx context.Context, sess session.Session, env codec.Envelope) error {
	if sess == nil {
		return fmt.Errorf("router: session is nil")
	}

	route, ok := r.routes[env.Event]
	if !ok {
		return merr.WrapErrUnknownEvent(env.Event)
	}

	// 1. 构造请求对象并反序列化，缺省的 data 按空对象处理。
	req := route.NewRequest()
	if req == nil {
		return fmt.Errorf("router: NewRequest returned nil for event=%s", env.Event)
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = emptyObject
	}
	if err := r.ser.Unmarshal(data, req); err != nil {
		return merr.WrapErrInvalidPayload(env.Event, err)
	}

	// 2. 结构校验。
	if r.validate != nil {
		if err := r.validate(env.Event, req); err != nil {
			return err
		}
	}

	// 3. 调用业务 Handler。
	resp, err := route.Handler(ctx, sess, req)
	if err != nil {
		return err
	}

	// 4. 根据路由规则决定是否自动发送响应。
	if route.RespEvent == "" || resp == nil {
		return nil
	}
	if err := sess.Send(route.RespEvent, resp); err != nil {
		return errors.Wrapf(err, "router: send response failed for event=%s", env.Event)
	}
	return nil
}

// Events 实现 Router.Events。
func (r *defaultRouter) Events() []string {
	events := lo.Keys(r.routes)
	sort.Strings(events)
	return events
}
