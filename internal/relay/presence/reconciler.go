package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/chat-relay-go/internal/relay/registry"
	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/pkg/log"
	"github.com/lk2023060901/chat-relay-go/pkg/metrics"
)

const (
	DefaultReconcileInterval = 2 * time.Minute
	DefaultStaleThreshold    = 5 * time.Minute
)

// Reconciler 周期性地将 lastSeen 过期但仍标记在线的用户置为离线，
// 纠正异常断开遗留的镜像偏差。本进程仍持有会话的用户不受影响，修正不产生广播。
type Reconciler struct {
	log.Binder

	identities storage.IdentityStore
	registry   *registry.Registry
	interval   time.Duration
	threshold  time.Duration
	now        func() time.Time

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewReconciler 创建 Reconciler，interval/threshold <= 0 时使用默认值。
func NewReconciler(identities storage.IdentityStore, reg *registry.Registry, interval, threshold time.Duration, now func() time.Time) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		identities: identities,
		registry:   reg,
		interval:   interval,
		threshold:  threshold,
		now:        now,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run 按固定间隔执行巡检，直到 ctx 结束或 Stop 被调用。只能运行一次。
func (r *Reconciler) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	_, span := log.NewIntentContext("presence", "reconcile")
	defer span.End()
	logger := r.Logger().With(zap.String("intent", "reconcile"), zap.Stringer("traceID", span.SpanContext().TraceID()))
	logger.Info("reconciler started",
		zap.Duration("interval", r.interval),
		zap.Duration("threshold", r.threshold))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				logger.Warn("reconcile failed", zap.Error(err))
			}
		}
	}
}

// RunOnce 执行一次巡检，返回被强制离线的用户数。
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	before := r.now().Add(-r.threshold)
	n, err := r.identities.ForceOfflineWhereStale(ctx, before, r.registry.Users())
	metrics.ReconcilerRuns.WithLabelValues(metrics.ResultLabel(err)).Inc()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.ReconcilerForcedOffline.Add(float64(n))
		r.Logger().Info("stale presence corrected", zap.Int("users", n), zap.Time("before", before))
	}
	return n, nil
}

// Stop 停止巡检并等待 Run 返回；Run 未启动时立即返回。
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		<-r.done
	}
}
