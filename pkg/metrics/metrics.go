// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// relayNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	relayNamespace = "relay"

	connectionSubsystem = "connection"
	presenceSubsystem   = "presence"
	messageSubsystem    = "message"
	roomSubsystem       = "room"

	// 以下为当前使用的通用标签名。
	reasonLabelName   = "reason"
	resultLabelName   = "result"
	stateLabelName    = "state"
	categoryLabelName = "category"
	eventLabelName    = "event"

	SuccessLabel = "success"
	FailLabel    = "fail"
	OnlineLabel  = "online"
	OfflineLabel = "offline"
)

var (
	// buckets 为耗时直方图的桶划分，单位为毫秒。
	// [0.25 0.5 1 2 4 8 16 32 64 128 256 512 1024 2048 4096 8192]
	buckets = prometheus.ExponentialBuckets(0.25, 2, 16)

	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: relayNamespace,
		Subsystem: connectionSubsystem,
		Name:      "active",
		Help:      "当前已建立的连接数",
	})

	HandshakeRefusals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: connectionSubsystem,
		Name:      "handshake_refusals_total",
		Help:      "握手阶段被拒绝的连接数",
	}, []string{reasonLabelName})

	SlowConsumerClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: connectionSubsystem,
		Name:      "slow_consumer_closed_total",
		Help:      "发送队列已满而被关闭的连接数",
	})

	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: relayNamespace,
		Subsystem: presenceSubsystem,
		Name:      "online_users",
		Help:      "本进程内至少持有一个连接的用户数",
	})

	PresenceWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: presenceSubsystem,
		Name:      "writes_total",
		Help:      "在线状态持久化写入次数",
	}, []string{stateLabelName, resultLabelName})

	PresenceLockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: relayNamespace,
		Subsystem: presenceSubsystem,
		Name:      "lock_wait_ms",
		Help:      "在线状态写入等待同用户前序写入完成的耗时",
		Buckets:   buckets,
	})

	PresenceBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: presenceSubsystem,
		Name:      "broadcasts_total",
		Help:      "上下线广播次数",
	}, []string{stateLabelName})

	ReconcilerForcedOffline = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: presenceSubsystem,
		Name:      "reconciler_forced_offline_total",
		Help:      "巡检强制置为离线的用户数",
	})

	ReconcilerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: presenceSubsystem,
		Name:      "reconciler_runs_total",
		Help:      "巡检执行次数",
	}, []string{resultLabelName})

	MessagesRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: messageSubsystem,
		Name:      "relayed_total",
		Help:      "成功持久化并广播的消息数",
	})

	MessageFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: relayNamespace,
		Subsystem: messageSubsystem,
		Name:      "fanout_sessions",
		Help:      "单条消息广播到的连接数",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	EventErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: messageSubsystem,
		Name:      "event_errors_total",
		Help:      "下发给客户端的错误事件数",
	}, []string{eventLabelName, categoryLabelName})

	RoomJoins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: roomSubsystem,
		Name:      "joins_total",
		Help:      "加入会话房间的次数",
	}, []string{resultLabelName})

	metricRegisterer prometheus.Registerer
	registerOnce     sync.Once
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标，只会生效一次。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(ActiveConnections)
		r.MustRegister(HandshakeRefusals)
		r.MustRegister(SlowConsumerClosed)
		r.MustRegister(OnlineUsers)
		r.MustRegister(PresenceWrites)
		r.MustRegister(PresenceLockWait)
		r.MustRegister(PresenceBroadcasts)
		r.MustRegister(ReconcilerForcedOffline)
		r.MustRegister(ReconcilerRuns)
		r.MustRegister(MessagesRelayed)
		r.MustRegister(MessageFanout)
		r.MustRegister(EventErrors)
		r.MustRegister(RoomJoins)
		metricRegisterer = r
	})
}

// Handler 返回 /metrics 使用的 http.Handler。
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ResultLabel 将错误转换为 result 标签值。
func ResultLabel(err error) string {
	if err != nil {
		return FailLabel
	}
	return SuccessLabel
}

// StateLabel 将在线状态转换为 state 标签值。
func StateLabel(online bool) string {
	if online {
		return OnlineLabel
	}
	return OfflineLabel
}
