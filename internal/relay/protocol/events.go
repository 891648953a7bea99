// Package protocol 定义连接上双向流动的事件名与负载结构。
//
// 每个事件的负载都有显式的结构定义，上行负载按结构严格解码并校验，
// 多余字段、类型不符或违反校验规则的负载一律拒绝。
package protocol

import (
	"time"

	"github.com/lk2023060901/chat-relay-go/internal/storage"
)

// 上行事件（客户端 -> 服务端）。
const (
	EventSendMessage       = "send_message"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventHeartbeat         = "heartbeat"
)

// 下行事件（服务端 -> 客户端）。
const (
	EventReceiveMessage     = "receive_message"
	EventUserOnline         = "user_online"
	EventUserOffline        = "user_offline"
	EventMessageDelivered   = "message_delivered"
	EventError              = "error"
	EventJoinedConversation = "joined_conversation"
	EventLeftConversation   = "left_conversation"
)

// SendMessage 为 send_message 的负载。
//
// Content 的非空与长度校验由消息中继执行，以便按配置的上限生成错误文本。
type SendMessage struct {
	ConversationID string `json:"conversationId" validate:"identifier"`
	Content        string `json:"content"`
}

// JoinConversation 为 join_conversation 的负载。
type JoinConversation struct {
	ConversationID string `json:"conversationId" validate:"identifier"`
}

// LeaveConversation 为 leave_conversation 的负载。
type LeaveConversation struct {
	ConversationID string `json:"conversationId" validate:"identifier"`
}

// Heartbeat 为 heartbeat 的负载，不接受任何字段。
type Heartbeat struct{}

// Sender 为广播消息中附带的发送者信息。
type Sender struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Message 为 receive_message 的负载：已持久化并补全发送者信息的消息。
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Sender         Sender    `json:"sender"`
}

// NewMessage 由持久化记录与发送者身份构造广播消息。
func NewMessage(msg storage.Message, sender storage.Identity) Message {
	return Message{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
		Sender: Sender{
			ID:          sender.ID,
			Username:    sender.Username,
			DisplayName: sender.DisplayName,
			Role:        sender.Role,
		},
	}
}

// Presence 为 user_online / user_offline 的负载。
type Presence struct {
	ID string `json:"id"`
}

// MessageDelivered 为 message_delivered 的负载。
type MessageDelivered struct {
	MessageID string `json:"messageId"`
}

// Error 为 error 的负载。
type Error struct {
	Message string `json:"message"`
}

// ConversationAck 为 joined_conversation / left_conversation 的负载。
type ConversationAck struct {
	ConversationID string `json:"conversationId"`
}
