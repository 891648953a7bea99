// Package messaging 校验、持久化并向房间广播聊天消息。
package messaging

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-relay-go/internal/network/codec"
	"github.com/lk2023060901/chat-relay-go/internal/network/session"
	"github.com/lk2023060901/chat-relay-go/internal/relay/protocol"
	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/pkg/log"
	"github.com/lk2023060901/chat-relay-go/pkg/metrics"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

// DefaultMaxContentLength 为消息内容允许的最大字符数。
const DefaultMaxContentLength = 1000

// Members 返回房间内当前连接，由 rooms.Manager 实现。
type Members interface {
	Members(conversationID string) []session.Session
}

// Options 为 Relay 的可选参数。
type Options struct {
	MaxContentLength int
	Codec            codec.Codec
	Now              func() time.Time
}

// Relay 实现 send_message 的完整处理流程：
//
//	校验 -> 参与者授权 -> 持久化 -> 更新会话元数据（尽力而为）-> 房间广播
//
// 广播只会在持久化成功之后发生；失败的请求不会产生任何广播。
type Relay struct {
	conversations storage.ConversationStore
	messages      storage.MessageStore
	members       Members
	codec         codec.Codec
	maxLen        int
	now           func() time.Time
}

// New 创建 Relay。
func New(conversations storage.ConversationStore, messages storage.MessageStore, members Members, opts Options) *Relay {
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = DefaultMaxContentLength
	}
	if opts.Codec == nil {
		opts.Codec = codec.New(codec.Options{})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{
		conversations: conversations,
		messages:      messages,
		members:       members,
		codec:         opts.Codec,
		maxLen:        opts.MaxContentLength,
		now:           opts.Now,
	}
}

// Validate 检查负载本身，不访问存储。
func (r *Relay) Validate(req protocol.SendMessage) error {
	if !protocol.IsIdentifier(req.ConversationID) {
		return merr.WrapErrInvalidConversationID(req.ConversationID)
	}
	if strings.TrimSpace(req.Content) == "" {
		return merr.ErrContentEmpty
	}
	if n := utf8.RuneCountInString(req.Content); n > r.maxLen {
		return merr.WrapErrContentTooLong(n, r.maxLen)
	}
	return nil
}

// Send 处理一条 send_message，返回需要回给发送连接的投递回执。
func (r *Relay) Send(ctx context.Context, sender storage.Identity, req protocol.SendMessage) (protocol.MessageDelivered, error) {
	if err := r.Validate(req); err != nil {
		return protocol.MessageDelivered{}, err
	}
	logger := log.Ctx(ctx).With(log.FieldConversationID(req.ConversationID))

	conv, err := r.conversations.FindByID(ctx, req.ConversationID)
	if err != nil {
		if errors.Is(err, merr.ErrConversationNotFound) {
			return protocol.MessageDelivered{}, err
		}
		return protocol.MessageDelivered{}, merr.WrapErrSendMessageFailed(err)
	}
	if !conv.HasParticipant(sender.ID) {
		return protocol.MessageDelivered{}, merr.WrapErrNotParticipant(sender.ID, req.ConversationID)
	}

	msg, err := r.messages.Create(ctx, sender.ID, req.ConversationID, strings.TrimSpace(req.Content), r.now())
	if err != nil {
		logger.Warn("persist message failed", zap.Error(err))
		return protocol.MessageDelivered{}, merr.WrapErrSendMessageFailed(err)
	}

	if err := r.conversations.TouchLastMessage(ctx, conv.ID, msg.ID, msg.Timestamp); err != nil {
		logger.Warn("update conversation metadata failed", zap.String("messageID", msg.ID), zap.Error(err))
	}

	r.broadcast(logger, msg, sender)
	return protocol.MessageDelivered{MessageID: msg.ID}, nil
}

func (r *Relay) broadcast(logger *log.MLogger, msg storage.Message, sender storage.Identity) {
	frame, err := r.codec.Encode(protocol.EventReceiveMessage, protocol.NewMessage(msg, sender))
	if err != nil {
		logger.Error("encode message frame failed", zap.Error(err))
		return
	}
	members := r.members.Members(msg.ConversationID)
	delivered := 0
	for _, sess := range members {
		if err := sess.SendFrame(frame); err != nil {
			logger.Debug("message fanout skipped", log.FieldSessionID(sess.ID()), zap.Error(err))
			continue
		}
		delivered++
	}
	metrics.MessagesRelayed.Inc()
	metrics.MessageFanout.Observe(float64(delivered))
}
