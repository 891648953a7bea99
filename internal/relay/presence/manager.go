// Package presence 负责在线状态镜像的持久化与上下线广播。
//
// 内存中的 registry 是在线状态的唯一依据；持久化状态只是镜像，可能滞后。
// 同一用户的写入按跳变顺序严格串行，不同用户之间互不阻塞。
package presence

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-relay-go/internal/network/codec"
	"github.com/lk2023060901/chat-relay-go/internal/network/session"
	"github.com/lk2023060901/chat-relay-go/internal/relay/protocol"
	"github.com/lk2023060901/chat-relay-go/internal/relay/registry"
	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/pkg/log"
	"github.com/lk2023060901/chat-relay-go/pkg/metrics"
	"github.com/lk2023060901/chat-relay-go/pkg/util/conc"
	"github.com/lk2023060901/chat-relay-go/pkg/util/lock"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

const defaultWriteTimeout = 5 * time.Second

// Options 为 Manager 的可选参数。
type Options struct {
	// WriteTimeout 为单次持久化写入的超时，<= 0 时使用 5s。
	WriteTimeout time.Duration
	// Codec 为编码广播帧使用的编解码器，为空时使用默认 JSON。
	Codec codec.Codec
	// Now 为时间来源，为空时使用 time.Now。
	Now func() time.Time
}

// Manager 串行化同一用户的在线状态写入，并只在 0<->1 跳变时广播。
type Manager struct {
	registry     *registry.Registry
	identities   storage.IdentityStore
	codec        codec.Codec
	writeTimeout time.Duration
	now          func() time.Time
}

// NewManager 创建 Manager。
func NewManager(reg *registry.Registry, identities storage.IdentityStore, opts Options) *Manager {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Codec == nil {
		opts.Codec = codec.New(codec.Options{})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		registry:     reg,
		identities:   identities,
		codec:        opts.Codec,
		writeTimeout: opts.WriteTimeout,
		now:          opts.Now,
	}
}

// Online 登记会话。若为该用户的第一个会话，持久化在线状态并向其他会话广播 user_online。
// 写入失败只影响镜像，广播照常发出，错误返回给调用方记录。
func (m *Manager) Online(ctx context.Context, userID string, sess session.Session) (bool, error) {
	first, ticket := m.registry.AddAndEnqueue(userID, sess)
	if !first {
		return false, nil
	}
	err := m.transition(ctx, ticket, userID, true, sess.ID())
	return true, err
}

// Offline 注销会话。若为该用户的最后一个会话，持久化离线状态并广播 user_offline。
func (m *Manager) Offline(ctx context.Context, userID, sessionID string) (bool, error) {
	last, ticket := m.registry.RemoveAndEnqueue(userID, sessionID)
	if !last {
		return false, nil
	}
	err := m.transition(ctx, ticket, userID, false, sessionID)
	return true, err
}

// Heartbeat 在会话仍登记时刷新在线状态与 lastSeen，不产生广播。
func (m *Manager) Heartbeat(ctx context.Context, userID, sessionID string) error {
	ticket, ok := m.registry.EnqueueIfRegistered(userID, sessionID)
	if !ok {
		return nil
	}
	defer ticket.Release()
	return m.write(ctx, ticket, userID, true)
}

// SetAllOffline 并发地将所有仍持有会话的用户写为离线。
// 每个用户都会被尝试，返回全部失败的合并错误。
func (m *Manager) SetAllOffline(ctx context.Context) error {
	tickets := m.registry.EnqueueAll()
	if len(tickets) == 0 {
		return nil
	}
	futures := make([]*conc.Future[struct{}], 0, len(tickets))
	for userID, ticket := range tickets {
		userID, ticket := userID, ticket
		futures = append(futures, conc.Go(func() (struct{}, error) {
			defer ticket.Release()
			return struct{}{}, m.write(ctx, ticket, userID, false)
		}))
	}
	err := conc.BlockOnAll(futures...)
	log.Ctx(ctx).Info("presence drained", zap.Int("users", len(tickets)), zap.Error(err))
	return err
}

// transition 按排队顺序写入跳变并在释放 Ticket 前完成广播，
// 使同一用户的广播顺序与持久化顺序一致。
func (m *Manager) transition(ctx context.Context, ticket *lock.Ticket[string], userID string, online bool, origin string) error {
	defer ticket.Release()
	err := m.write(ctx, ticket, userID, online)
	m.broadcast(ctx, userID, online, origin)
	return err
}

func (m *Manager) write(ctx context.Context, ticket *lock.Ticket[string], userID string, online bool) error {
	start := time.Now()
	if err := ticket.Wait(ctx); err != nil {
		metrics.PresenceWrites.WithLabelValues(metrics.StateLabel(online), metrics.FailLabel).Inc()
		return errors.Wrap(err, "wait presence lock")
	}
	metrics.PresenceLockWait.Observe(float64(time.Since(start).Microseconds()) / 1000)

	writeCtx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()
	err := m.identities.UpdatePresence(writeCtx, userID, online, m.now())
	metrics.PresenceWrites.WithLabelValues(metrics.StateLabel(online), metrics.ResultLabel(err)).Inc()
	if err != nil {
		log.Ctx(ctx).Warn("persist presence failed",
			log.FieldUserID(userID),
			zap.Bool("online", online),
			zap.String("category", merr.Category(err)),
			zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) broadcast(ctx context.Context, userID string, online bool, origin string) {
	event := protocol.EventUserOffline
	if online {
		event = protocol.EventUserOnline
	}
	frame, err := m.codec.Encode(event, protocol.Presence{ID: userID})
	if err != nil {
		log.Ctx(ctx).Error("encode presence frame failed", zap.Error(err))
		return
	}
	for _, sess := range m.registry.All() {
		if sess.ID() == origin {
			continue
		}
		if err := sess.SendFrame(frame); err != nil {
			log.Ctx(ctx).Debug("presence broadcast skipped",
				log.FieldSessionID(sess.ID()), zap.Error(err))
		}
	}
	metrics.PresenceBroadcasts.WithLabelValues(metrics.StateLabel(online)).Inc()
}
