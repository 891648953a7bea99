//go:generate go run go.uber.org/mock/mockgen -source=storage.go -destination=mocks/mock_storage.go -package=mocks

// Package storage 定义中继核心消费的持久化协作方接口及其数据模型。
//
// 身份、会话与消息均由外部存储持有；核心只通过下列接口做单次读写，
// 原子性依赖各实现自身对单个操作的保证。
package storage

import (
	"context"
	"time"

	"github.com/samber/lo"
)

// Identity 为一个用户的身份与在线状态镜像。
type Identity struct {
	ID          string    `json:"id" yaml:"id"`
	Username    string    `json:"username" yaml:"username"`
	DisplayName string    `json:"displayName" yaml:"displayName"`
	Role        string    `json:"role" yaml:"role"`
	Active      bool      `json:"active" yaml:"active"`
	Online      bool      `json:"online" yaml:"-"`
	LastSeen    time.Time `json:"lastSeen" yaml:"-"`
}

// PrincipalID 返回用户 ID，接入层用它填充会话日志字段。
func (i Identity) PrincipalID() string {
	return i.ID
}

const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// Conversation 为一个会话（私聊或群聊）及其最近消息元数据。
type Conversation struct {
	ID            string    `json:"id" yaml:"id"`
	Type          string    `json:"type" yaml:"type"`
	Name          string    `json:"name" yaml:"name"`
	Participants  []string  `json:"participants" yaml:"participants"`
	LastMessageID string    `json:"lastMessageId,omitempty" yaml:"-"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty" yaml:"-"`
	MessageCount  int64     `json:"messageCount" yaml:"-"`
}

// HasParticipant 判断用户是否为该会话的参与者。
func (c Conversation) HasParticipant(userID string) bool {
	return lo.Contains(c.Participants, userID)
}

// Message 为一条已持久化的聊天消息。
type Message struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"senderId"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// IdentityStore 为身份协作方。
type IdentityStore interface {
	// Lookup 查询用户，不存在时返回 merr.ErrIdentityNotFound。
	Lookup(ctx context.Context, userID string) (Identity, error)

	// UpdatePresence 写入在线状态镜像。用户不存在时返回 merr.ErrIdentityNotFound。
	UpdatePresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error

	// ForceOfflineWhereStale 将 lastSeen 早于 before 且仍标记在线的用户批量置为离线，
	// keep 中的用户不受影响；返回被修改的用户数。
	ForceOfflineWhereStale(ctx context.Context, before time.Time, keep []string) (int, error)

	// MarkAllOffline 将所有用户置为离线，返回被修改的用户数。
	MarkAllOffline(ctx context.Context) (int, error)
}

// ConversationStore 为会话成员关系协作方。
type ConversationStore interface {
	// FindByParticipant 返回用户参与的全部会话。
	FindByParticipant(ctx context.Context, userID string) ([]Conversation, error)

	// FindByID 查询会话，不存在时返回 merr.ErrConversationNotFound。
	FindByID(ctx context.Context, id string) (Conversation, error)

	// TouchLastMessage 更新最近消息指针与时间，并将消息计数加一。
	TouchLastMessage(ctx context.Context, id, messageID string, at time.Time) error
}

// MessageStore 为消息持久化协作方。
type MessageStore interface {
	// Create 持久化一条消息并返回带有 ID 的记录。
	Create(ctx context.Context, senderID, conversationID, content string, at time.Time) (Message, error)

	// ListMessages 按时间倒序返回会话最近的 limit 条消息，limit <= 0 表示不限制。
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
}

// Seeder 用于写入初始数据（relay seed 命令与测试）。
type Seeder interface {
	PutIdentity(ctx context.Context, identity Identity) error
	PutConversation(ctx context.Context, conversation Conversation) error
}

// Store 聚合了一个存储后端提供的全部能力。
type Store interface {
	IdentityStore
	ConversationStore
	MessageStore
	Seeder

	// Ping 检查后端是否可用，启动探测使用。
	Ping(ctx context.Context) error

	// Close 释放后端资源。
	Close() error
}

// NormalizeTime 统一时间精度为毫秒并使用 UTC，保证各后端读回的值一致。
func NormalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UTC().UnixMilli()).UTC()
}
