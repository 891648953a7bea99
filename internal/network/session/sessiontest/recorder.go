// Package sessiontest 提供记录下行事件的内存 Session，供各业务包的单元测试使用。
package sessiontest

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/lk2023060901/chat-relay-go/internal/json"
	"github.com/lk2023060901/chat-relay-go/internal/network/codec"
	"github.com/lk2023060901/chat-relay-go/internal/network/session"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

// Recorder 是一个不依赖真实连接的 Session，所有下行帧被解码后保存在内存中。
type Recorder struct {
	id        string
	principal any
	createdAt time.Time
	codec     codec.Codec

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu     sync.Mutex
	events []codec.Envelope
	notify chan struct{}

	// SendErr 非空时 Send/SendFrame 直接返回该错误。
	SendErr error
}

var _ session.Session = (*Recorder)(nil)

// New 创建一个 Recorder。
func New(id string, principal any) *Recorder {
	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		id:        id,
		principal: principal,
		createdAt: time.Now(),
		codec:     codec.New(codec.Options{}),
		ctx:       ctx,
		cancel:    cancel,
		notify:    make(chan struct{}, 1),
	}
}

func (r *Recorder) ID() string               { return r.id }
func (r *Recorder) Context() context.Context { return r.ctx }
func (r *Recorder) Principal() any           { return r.principal }
func (r *Recorder) CreatedAt() time.Time     { return r.createdAt }
func (r *Recorder) RemoteAddr() net.Addr     { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000} }
func (r *Recorder) LocalAddr() net.Addr      { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080} }
func (r *Recorder) OnConnected()             {}
func (r *Recorder) OnDisconnected(error)     {}
func (r *Recorder) Closed() bool             { return r.closed.Load() }

func (r *Recorder) Send(event string, msg any) error {
	frame, err := r.codec.Encode(event, msg)
	if err != nil {
		return err
	}
	return r.SendFrame(frame)
}

func (r *Recorder) SendFrame(frame []byte) error {
	if r.SendErr != nil {
		return r.SendErr
	}
	if r.closed.Load() {
		return merr.WrapErrSessionClosed(r.id)
	}
	env, err := r.codec.Decode(frame)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, env)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *Recorder) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		r.cancel()
	}
	return nil
}

// Events 返回目前收到的全部事件的副本。
func (r *Recorder) Events() []codec.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]codec.Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// Named 返回指定事件名的全部事件。
func (r *Recorder) Named(event string) []codec.Envelope {
	var out []codec.Envelope
	for _, env := range r.Events() {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// Reset 清空已记录的事件。
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Wait 等待直到收到 n 条 event 事件或超时，返回收到的事件。
func (r *Recorder) Wait(event string, n int, timeout time.Duration) []codec.Envelope {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if got := r.Named(event); len(got) >= n {
			return got
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return r.Named(event)
		}
	}
}

// DecodeData 将信封中的 data 解码到 v。
func DecodeData(env codec.Envelope, v any) error {
	return json.Unmarshal(env.Data, v)
}
