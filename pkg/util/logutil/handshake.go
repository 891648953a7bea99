package logutil

import (
	"context"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lk2023060901/chat-relay-go/pkg/log"
)

// 握手请求中可调整连接日志行为的头部，旧写法仍然兼容。
const (
	LogLevelHeader         = "X-Log-Level"
	logLevelHeaderLegacy   = "Log-Level"
	RequestIDHeader        = "X-Request-Id"
	requestIDHeaderLegacy  = "Client-Request-Id"
	RequestUnixmsecHeader  = "X-Client-Request-Msec"
	clientRequestIDField   = "client_request_id"
	clientRequestMsecField = "clientRequestUnixmsec"
)

// WithHandshakeFields 基于握手请求头在 ctx 上附加日志级别与追踪信息，
// 返回的上下文作为该连接会话的日志上下文。
//
//   - X-Log-Level 为合法级别时，连接使用该级别的 Logger；
//   - X-Request-Id 为合法 TraceID 时作为 traceID，否则以 client_request_id 字段记录；
//   - X-Client-Request-Msec 为客户端发起握手的毫秒时间戳。
func WithHandshakeFields(ctx context.Context, header http.Header) context.Context {
	newctx := ctx
	if levels := headerValues(header, LogLevelHeader, logLevelHeaderLegacy); len(levels) > 0 {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(levels[0])); err == nil {
			newctx = log.WithLevel(newctx, level)
		}
	}

	var traceID trace.TraceID
	if ids := headerValues(header, RequestIDHeader, requestIDHeaderLegacy); len(ids) > 0 {
		var err error
		traceID, err = trace.TraceIDFromHex(ids[0])
		if err != nil {
			newctx = log.WithFields(newctx, zap.String(clientRequestIDField, ids[0]))
		}
	}
	if msec, ok := ClientRequestUnixmsec(header); ok {
		newctx = log.WithFields(newctx, zap.Int64(clientRequestMsecField, msec))
	}

	if !traceID.IsValid() {
		traceID = trace.SpanContextFromContext(newctx).TraceID()
	}
	if traceID.IsValid() {
		newctx = log.WithTraceID(newctx, traceID.String())
	}
	return newctx
}

// ClientRequestUnixmsec 解析握手请求携带的客户端时间戳。
func ClientRequestUnixmsec(header http.Header) (int64, bool) {
	values := headerValues(header, RequestUnixmsecHeader)
	if len(values) < 1 {
		return -1, false
	}
	msec, err := strconv.ParseInt(values[0], 10, 64)
	if err != nil {
		return -1, false
	}
	return msec, true
}

func headerValues(header http.Header, keys ...string) []string {
	var result []string
	for _, key := range keys {
		if values := header.Values(key); len(values) > 0 {
			result = append(result, values...)
		}
	}
	return result
}
