// Package registry 维护用户到其在线会话集合的索引，是在线状态判定的唯一依据。
package registry

import (
	"sort"
	"sync"

	"github.com/lk2023060901/chat-relay-go/internal/network/session"
	"github.com/lk2023060901/chat-relay-go/pkg/metrics"
	"github.com/lk2023060901/chat-relay-go/pkg/util/lock"
)

// Registry 记录 userID -> {sessionID -> Session}。
//
// 集合大小为 0 即离线，>= 1 即在线。每次 0<->1 的跳变在修改集合的同一临界区内
// 从 KeyLock 领取该用户的排队 Ticket，因此同一用户相邻跳变对应的持久化写入
// 按跳变发生的顺序排队。
type Registry struct {
	mu    sync.Mutex
	users map[string]map[string]session.Session
	locks *lock.KeyLock[string]
}

// New 创建一个空的 Registry。
func New() *Registry {
	return &Registry{
		users: make(map[string]map[string]session.Session),
		locks: lock.NewKeyLock[string](),
	}
}

// Add 登记会话，返回是否为该用户的第一个会话。
func (r *Registry) Add(userID string, sess session.Session) bool {
	first, t := r.AddAndEnqueue(userID, sess)
	if t != nil {
		t.Release()
	}
	return first
}

// AddAndEnqueue 登记会话；若为第一个会话，同时返回该用户的写入 Ticket。
// 调用方必须 Release 返回的非空 Ticket。
func (r *Registry) AddAndEnqueue(userID string, sess session.Session) (bool, *lock.Ticket[string]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.users[userID]
	if !ok {
		sessions = make(map[string]session.Session)
		r.users[userID] = sessions
	}
	if _, dup := sessions[sess.ID()]; dup {
		return false, nil
	}
	sessions[sess.ID()] = sess
	if len(sessions) != 1 {
		return false, nil
	}
	metrics.OnlineUsers.Set(float64(len(r.users)))
	return true, r.locks.Acquire(userID)
}

// Remove 注销会话，返回是否为该用户的最后一个会话。
func (r *Registry) Remove(userID, sessionID string) bool {
	last, t := r.RemoveAndEnqueue(userID, sessionID)
	if t != nil {
		t.Release()
	}
	return last
}

// RemoveAndEnqueue 注销会话；若为最后一个会话，同时返回该用户的写入 Ticket。
// 未登记的会话返回 false。调用方必须 Release 返回的非空 Ticket。
func (r *Registry) RemoveAndEnqueue(userID, sessionID string) (bool, *lock.Ticket[string]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.users[userID]
	if !ok {
		return false, nil
	}
	if _, ok := sessions[sessionID]; !ok {
		return false, nil
	}
	delete(sessions, sessionID)
	if len(sessions) > 0 {
		return false, nil
	}
	delete(r.users, userID)
	metrics.OnlineUsers.Set(float64(len(r.users)))
	return true, r.locks.Acquire(userID)
}

// EnqueueIfRegistered 在会话仍登记时领取该用户的写入 Ticket。
func (r *Registry) EnqueueIfRegistered(userID, sessionID string) (*lock.Ticket[string], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[userID][sessionID]; !ok {
		return nil, false
	}
	return r.locks.Acquire(userID), true
}

// EnqueueAll 为每个在线用户领取写入 Ticket。
func (r *Registry) EnqueueAll() map[string]*lock.Ticket[string] {
	r.mu.Lock()
	defer r.mu.Unlock()

	tickets := make(map[string]*lock.Ticket[string], len(r.users))
	for userID := range r.users {
		tickets[userID] = r.locks.Acquire(userID)
	}
	return tickets
}

// Contains 判断会话是否仍登记在该用户名下。
func (r *Registry) Contains(userID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[userID][sessionID]
	return ok
}

// Online 判断用户是否至少持有一个会话。
func (r *Registry) Online(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID]) > 0
}

// Sessions 返回用户当前的会话快照。
func (r *Registry) Sessions(userID string) []session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]session.Session, 0, len(r.users[userID]))
	for _, sess := range r.users[userID] {
		out = append(out, sess)
	}
	return out
}

// Users 返回所有在线用户 ID（按字典序）。
func (r *Registry) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.users))
	for userID := range r.users {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// All 返回全部会话快照，用于全量广播。
func (r *Registry) All() []session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []session.Session
	for _, sessions := range r.users {
		for _, sess := range sessions {
			out = append(out, sess)
		}
	}
	return out
}

// Count 返回在线用户数。
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// SessionCount 返回会话总数。
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sessions := range r.users {
		n += len(sessions)
	}
	return n
}

// PendingLocks 返回仍有写入排队的用户数。
func (r *Registry) PendingLocks() int {
	return r.locks.Len()
}

// Clear 清空会话索引与写入队列。
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = make(map[string]map[string]session.Session)
	r.locks.Clear()
	metrics.OnlineUsers.Set(0)
}
