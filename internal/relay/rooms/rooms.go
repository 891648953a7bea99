// Package rooms 维护连接与会话广播组（房间）之间的订阅关系。
package rooms

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-relay-go/internal/network/session"
	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/pkg/log"
	"github.com/lk2023060901/chat-relay-go/pkg/metrics"
	"github.com/lk2023060901/chat-relay-go/pkg/util/conc"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
	"github.com/lk2023060901/chat-relay-go/pkg/util/typeutil"
)

// Manager 记录 conversationID -> 会话集合，以及会话 -> 已订阅房间的反向索引。
//
// 房间成员关系只在连接建立时按会话参与关系批量初始化，之后仅由显式的
// join/leave 修改，不会因用户被加入新会话而自动刷新。
type Manager struct {
	conversations storage.ConversationStore
	pool          *conc.Pool[struct{}]

	mu        sync.RWMutex
	rooms     map[string]map[string]session.Session
	bySession map[string]typeutil.Set[string]
}

// New 创建 Manager。pool 用于并发执行连接建立时的批量加入。
func New(conversations storage.ConversationStore, pool *conc.Pool[struct{}]) *Manager {
	return &Manager{
		conversations: conversations,
		pool:          pool,
		rooms:         make(map[string]map[string]session.Session),
		bySession:     make(map[string]typeutil.Set[string]),
	}
}

// JoinAll 查询用户参与的全部会话并把连接加入对应房间。
//
// 各房间的加入相互独立，单个失败只记录日志；返回成功加入的房间数。
// 只有查询参与关系失败时才返回错误。
func (m *Manager) JoinAll(ctx context.Context, sess session.Session, userID string) (int, error) {
	conversations, err := m.conversations.FindByParticipant(ctx, userID)
	if err != nil {
		return 0, err
	}
	futures := make([]*conc.Future[struct{}], 0, len(conversations))
	for _, conv := range conversations {
		convID := conv.ID
		futures = append(futures, m.pool.Submit(func() (struct{}, error) {
			return struct{}{}, m.add(sess, convID)
		}))
	}
	joined := 0
	for i, future := range futures {
		if err := future.Err(); err != nil {
			log.Ctx(ctx).Warn("join room failed",
				log.FieldConversationID(conversations[i].ID), zap.Error(err))
			metrics.RoomJoins.WithLabelValues(metrics.FailLabel).Inc()
			continue
		}
		metrics.RoomJoins.WithLabelValues(metrics.SuccessLabel).Inc()
		joined++
	}
	return joined, nil
}

// Join 重新校验用户当前是否为会话参与者，通过后把连接加入房间。
func (m *Manager) Join(ctx context.Context, sess session.Session, userID, conversationID string) error {
	conv, err := m.conversations.FindByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, merr.ErrConversationNotFound) {
			return err
		}
		return merr.WrapErrJoinConversationFailed(conversationID, err)
	}
	if !conv.HasParticipant(userID) {
		return merr.WrapErrNotParticipant(userID, conversationID)
	}
	err = m.add(sess, conversationID)
	metrics.RoomJoins.WithLabelValues(metrics.ResultLabel(err)).Inc()
	return err
}

// Leave 将连接移出房间，不做校验；返回连接此前是否在房间内。
func (m *Manager) Leave(sess session.Session, conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(sess.ID(), conversationID)
}

// LeaveAll 将连接移出其订阅的全部房间。
func (m *Manager) LeaveAll(sess session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	joined, ok := m.bySession[sess.ID()]
	if !ok {
		return
	}
	for _, convID := range joined.Collect() {
		m.removeLocked(sess.ID(), convID)
	}
	delete(m.bySession, sess.ID())
}

// Members 返回房间内当前连接的快照。
func (m *Manager) Members(conversationID string) []session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]session.Session, 0, len(m.rooms[conversationID]))
	for _, sess := range m.rooms[conversationID] {
		out = append(out, sess)
	}
	return out
}

// Rooms 返回连接已订阅的房间（按字典序）。
func (m *Manager) Rooms(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	joined, ok := m.bySession[sessionID]
	if !ok {
		return nil
	}
	out := joined.Collect()
	sort.Strings(out)
	return out
}

// Count 返回非空房间数。
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Clear 清空全部订阅关系。
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = make(map[string]map[string]session.Session)
	m.bySession = make(map[string]typeutil.Set[string])
}

// add 在写锁内检查会话是否已关闭，避免断开清理之后再留下订阅。
func (m *Manager) add(sess session.Session, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess.Closed() {
		return merr.WrapErrSessionClosed(sess.ID())
	}
	if conversationID == "" {
		return merr.WrapErrParameterMissing("conversation.id")
	}
	members, ok := m.rooms[conversationID]
	if !ok {
		members = make(map[string]session.Session)
		m.rooms[conversationID] = members
	}
	members[sess.ID()] = sess
	joined, ok := m.bySession[sess.ID()]
	if !ok {
		joined = typeutil.NewSet[string]()
		m.bySession[sess.ID()] = joined
	}
	joined.Insert(conversationID)
	return nil
}

func (m *Manager) removeLocked(sessionID, conversationID string) bool {
	members, ok := m.rooms[conversationID]
	if !ok {
		return false
	}
	if _, ok := members[sessionID]; !ok {
		return false
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(m.rooms, conversationID)
	}
	if joined, ok := m.bySession[sessionID]; ok {
		joined.Remove(conversationID)
		if joined.Len() == 0 {
			delete(m.bySession, sessionID)
		}
	}
	return true
}
