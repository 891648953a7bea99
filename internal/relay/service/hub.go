// Package service 把鉴权、在线状态、房间与消息中继组装为接入层的业务回调。
package service

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	network "github.com/lk2023060901/chat-relay-go/internal/network"
	"github.com/lk2023060901/chat-relay-go/internal/network/acceptor"
	"github.com/lk2023060901/chat-relay-go/internal/network/codec"
	"github.com/lk2023060901/chat-relay-go/internal/network/router"
	"github.com/lk2023060901/chat-relay-go/internal/network/session"
	"github.com/lk2023060901/chat-relay-go/internal/relay/messaging"
	"github.com/lk2023060901/chat-relay-go/internal/relay/presence"
	"github.com/lk2023060901/chat-relay-go/internal/relay/protocol"
	"github.com/lk2023060901/chat-relay-go/internal/relay/registry"
	"github.com/lk2023060901/chat-relay-go/internal/relay/rooms"
	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/pkg/log"
	"github.com/lk2023060901/chat-relay-go/pkg/metrics"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

const unknownEventLabel = "unknown"

// Hub 实现 acceptor.AcceptorHandler。
//
// 每个会话的回调都在接入层的单个消费协程中串行执行；业务处理使用与会话生命周期
// 解耦的上下文，断开连接不会取消进行中的持久化操作。
type Hub struct {
	log.Binder

	registry *registry.Registry
	presence *presence.Manager
	rooms    *rooms.Manager
	relay    *messaging.Relay
	router   router.Router

	draining atomic.Bool
}

var _ acceptor.AcceptorHandler = (*Hub)(nil)

// NewHub 创建 Hub 并注册全部上行事件。
func NewHub(reg *registry.Registry, pm *presence.Manager, rm *rooms.Manager, relay *messaging.Relay, validator *protocol.Validator) (*Hub, error) {
	h := &Hub{
		registry: reg,
		presence: pm,
		rooms:    rm,
		relay:    relay,
		router:   router.New(nil, validator.Validate),
	}
	routes := map[string]router.Route{
		protocol.EventSendMessage: {
			NewRequest: func() any { return &protocol.SendMessage{} },
			Handler:    h.handleSendMessage,
			RespEvent:  protocol.EventMessageDelivered,
		},
		protocol.EventJoinConversation: {
			NewRequest: func() any { return &protocol.JoinConversation{} },
			Handler:    h.handleJoin,
			RespEvent:  protocol.EventJoinedConversation,
		},
		protocol.EventLeaveConversation: {
			NewRequest: func() any { return &protocol.LeaveConversation{} },
			Handler:    h.handleLeave,
			RespEvent:  protocol.EventLeftConversation,
		},
		protocol.EventHeartbeat: {
			NewRequest: func() any { return &protocol.Heartbeat{} },
			Handler:    h.handleHeartbeat,
		},
	}
	for event, route := range routes {
		if err := h.router.Register(event, route); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Events 返回已注册的上行事件。
func (h *Hub) Events() []string {
	return h.router.Events()
}

// OnConnected 登记在线状态并加入用户参与的全部会话房间。
//
// 查询参与关系失败时向客户端发送 error 事件，连接保持可用，客户端可再显式 join。
func (h *Hub) OnConnected(sess session.Session) error {
	identity, ok := identityOf(sess)
	if !ok {
		err := merr.WrapErrConnectionSetupFailed(errors.New("session has no identity"))
		h.sendError(sess, err, merr.ErrConnectionSetupFailed)
		return err
	}
	if h.draining.Load() {
		return merr.WrapErrServiceNotReady("relay", "draining")
	}
	ctx := context.WithoutCancel(sess.Context())
	logger := log.Ctx(ctx)

	_, _ = h.presence.Online(ctx, identity.ID, sess)
	if h.draining.Load() {
		// 关停已开始且可能错过了该用户，由这里补写离线。
		_, _ = h.presence.Offline(ctx, identity.ID, sess.ID())
		return merr.WrapErrServiceNotReady("relay", "draining")
	}

	joined, err := h.rooms.JoinAll(ctx, sess, identity.ID)
	if err != nil {
		logger.Warn("join conversations on connect failed", zap.Error(err))
		h.sendError(sess, merr.WrapErrConnectionSetupFailed(err), merr.ErrConnectionSetupFailed)
		return nil
	}
	logger.Info("session ready", zap.Int("rooms", joined))
	return nil
}

// OnMessage 路由一条上行事件，失败时只向该会话发送 error 事件。
func (h *Hub) OnMessage(sess session.Session, env codec.Envelope) {
	ctx := context.WithoutCancel(sess.Context())
	if err := h.router.Handle(ctx, sess, env); err != nil {
		h.fail(ctx, sess, env.Event, err)
	}
}

// OnClosed 退出全部房间并注销在线状态。
// 关停期间同样写入离线：会话可能在 Drain 取快照之前已被注销，重复的离线写入按用户串行，结果一致。
func (h *Hub) OnClosed(sess session.Session, cause error) {
	identity, ok := identityOf(sess)
	h.rooms.LeaveAll(sess)
	if !ok {
		return
	}
	ctx := context.WithoutCancel(sess.Context())
	_, _ = h.presence.Offline(ctx, identity.ID, sess.ID())
	log.Ctx(ctx).Info("session closed", zap.NamedError("cause", cause))
}

// OnError 处理接入层上报的非业务错误。
func (h *Hub) OnError(sess session.Session, stage network.Stage, err error) {
	if sess == nil {
		h.Logger().Debug("handshake refused", zap.String("stage", string(stage)), zap.Error(err))
		return
	}
	ctx := context.WithoutCancel(sess.Context())
	if stage == network.StageDecode {
		h.fail(ctx, sess, "", err)
		return
	}
	log.Ctx(ctx).Debug("session error", zap.String("stage", string(stage)), zap.Error(err))
}

// Drain 进入关停状态并把所有仍持有会话的用户写为离线。
func (h *Hub) Drain(ctx context.Context) error {
	h.draining.Store(true)
	return h.presence.SetAllOffline(ctx)
}

// Draining 判断是否处于关停状态。
func (h *Hub) Draining() bool {
	return h.draining.Load()
}

// Reset 清空会话索引、写入队列与房间订阅。
func (h *Hub) Reset() {
	h.registry.Clear()
	h.rooms.Clear()
}

func (h *Hub) handleSendMessage(ctx context.Context, sess session.Session, req any) (any, error) {
	identity, _ := identityOf(sess)
	ack, err := h.relay.Send(ctx, identity, *req.(*protocol.SendMessage))
	if err != nil {
		return nil, err
	}
	return ack, nil
}

func (h *Hub) handleJoin(ctx context.Context, sess session.Session, req any) (any, error) {
	identity, _ := identityOf(sess)
	convID := req.(*protocol.JoinConversation).ConversationID
	if err := h.rooms.Join(ctx, sess, identity.ID, convID); err != nil {
		return nil, err
	}
	return protocol.ConversationAck{ConversationID: convID}, nil
}

func (h *Hub) handleLeave(_ context.Context, sess session.Session, req any) (any, error) {
	convID := req.(*protocol.LeaveConversation).ConversationID
	h.rooms.Leave(sess, convID)
	return protocol.ConversationAck{ConversationID: convID}, nil
}

// handleHeartbeat 写入失败只记录日志，不回错误事件。
func (h *Hub) handleHeartbeat(ctx context.Context, sess session.Session, _ any) (any, error) {
	identity, _ := identityOf(sess)
	_ = h.presence.Heartbeat(ctx, identity.ID, sess.ID())
	return nil, nil
}

func (h *Hub) fail(ctx context.Context, sess session.Session, event string, err error) {
	category := merr.Category(err)
	label := event
	if !lo.Contains(h.router.Events(), event) {
		label = unknownEventLabel
	}
	metrics.EventErrors.WithLabelValues(label, category).Inc()

	logger := log.Ctx(ctx).With(log.FieldEvent(event), zap.String("category", category))
	switch category {
	case merr.CategoryValidation, merr.CategoryAuthorization, merr.CategoryNotFound:
		logger.Debug("event rejected", zap.Error(err))
	default:
		logger.Warn("event failed", zap.Error(err))
	}
	h.sendError(sess, err, fallbackFor(event))
}

func (h *Hub) sendError(sess session.Session, err error, fallback error) {
	msg := merr.ClientMessage(err, fallback)
	if sendErr := sess.Send(protocol.EventError, protocol.Error{Message: msg}); sendErr != nil {
		log.Ctx(sess.Context()).Debug("send error event failed", zap.Error(sendErr))
	}
}

// fallbackFor 返回不可下发的内部错误被替换成的文本。
func fallbackFor(event string) error {
	switch event {
	case protocol.EventSendMessage:
		return merr.ErrSendMessageFailed
	case protocol.EventJoinConversation:
		return merr.ErrJoinConversationFailed
	case "":
		return merr.ErrInvalidPayload
	default:
		return merr.ErrServiceInternal
	}
}

func identityOf(sess session.Session) (storage.Identity, bool) {
	switch p := sess.Principal().(type) {
	case storage.Identity:
		return p, true
	case *storage.Identity:
		if p != nil {
			return *p, true
		}
	}
	return storage.Identity{}, false
}
