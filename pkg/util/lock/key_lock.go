package lock

import (
	"context"
	"sync"
)

// KeyLock 是按 key 划分的 FIFO 互斥锁。
// 同一个 key 上的 Ticket 严格按 Acquire 的先后顺序进入临界区，
// 不同 key 之间互不阻塞。key 对应的队列在首次使用时创建，
// 在最后一个 Ticket 释放后回收。
type KeyLock[K comparable] struct {
	mu     sync.Mutex
	queues map[K]*keyQueue
}

type keyQueue struct {
	// tail 为队尾 Ticket 的完成信号。
	tail chan struct{}
	refs int
}

// Ticket 表示一次排队。
// 必须且只需调用一次 Release（重复调用是安全的空操作）。
type Ticket[K comparable] struct {
	owner    *KeyLock[K]
	key      K
	queue    *keyQueue
	prev     <-chan struct{}
	done     chan struct{}
	acquired bool
	once     sync.Once
}

// NewKeyLock 创建一个空的 KeyLock。
func NewKeyLock[K comparable]() *KeyLock[K] {
	return &KeyLock[K]{
		queues: make(map[K]*keyQueue),
	}
}

// Acquire 在 key 的队尾登记一个 Ticket，不会阻塞。
// 调用方需要通过 Wait 等待轮到自己。
func (l *KeyLock[K]) Acquire(key K) *Ticket[K] {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.queues[key]
	if !ok {
		q = &keyQueue{}
		l.queues[key] = q
	}
	t := &Ticket[K]{
		owner: l,
		key:   key,
		queue: q,
		prev:  q.tail,
		done:  make(chan struct{}),
	}
	q.tail = t.done
	q.refs++
	return t
}

// Lock 登记并阻塞等待，直到获得 key 的锁或 ctx 结束。
// ctx 结束时返回的 Ticket 已被释放。
func (l *KeyLock[K]) Lock(ctx context.Context, key K) (*Ticket[K], error) {
	t := l.Acquire(key)
	if err := t.Wait(ctx); err != nil {
		t.Release()
		return nil, err
	}
	return t, nil
}

// Len 返回当前存在排队的 key 数量。
func (l *KeyLock[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues)
}

// Clear 丢弃所有 key 的队列。
// 已登记的 Ticket 仍按原顺序完成，之后的 Acquire 使用新队列。
func (l *KeyLock[K]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queues = make(map[K]*keyQueue)
}

// Wait 阻塞直到排在前面的 Ticket 全部释放。
func (t *Ticket[K]) Wait(ctx context.Context) error {
	if t.prev == nil {
		t.acquired = true
		return nil
	}
	select {
	case <-t.prev:
		t.acquired = true
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release 释放 Ticket。
// 未获得锁就放弃的 Ticket 会等前一个 Ticket 释放后再放行后继者，以保持顺序。
func (t *Ticket[K]) Release() {
	t.once.Do(func() {
		if t.acquired || t.prev == nil {
			close(t.done)
		} else {
			go func() {
				<-t.prev
				close(t.done)
			}()
		}

		l := t.owner
		l.mu.Lock()
		defer l.mu.Unlock()
		t.queue.refs--
		if t.queue.refs == 0 {
			if cur, ok := l.queues[t.key]; ok && cur == t.queue {
				delete(l.queues, t.key)
			}
		}
	})
}
