// Package json 基于 bytedance/sonic 提供项目统一的 JSON 编解码入口。
package json

import (
	stdjson "encoding/json"

	"github.com/bytedance/sonic"
)

// RawMessage 延迟解码的原始 JSON 片段。
type RawMessage = stdjson.RawMessage

var (
	// api 与 encoding/json 行为保持一致。
	api = sonic.ConfigStd

	// strictAPI 在解码时拒绝未知字段，用于校验客户端上行的事件负载。
	strictAPI = sonic.Config{
		EscapeHTML:            true,
		SortMapKeys:           true,
		CompactMarshaler:      true,
		CopyString:            true,
		ValidateString:        true,
		DisallowUnknownFields: true,
	}.Froze()
)

// Marshal 将 v 编码为 JSON。
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// MarshalIndent 将 v 编码为带缩进的 JSON。
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// Unmarshal 将 JSON 解码到 v，忽略未知字段。
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// UnmarshalStrict 将 JSON 解码到 v，遇到未知字段时返回错误。
func UnmarshalStrict(data []byte, v any) error {
	return strictAPI.Unmarshal(data, v)
}

// Valid 判断 data 是否为合法 JSON。
func Valid(data []byte) bool {
	return api.Valid(data)
}
