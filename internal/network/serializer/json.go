package serializer

import (
	"github.com/lk2023060901/chat-relay-go/internal/json"
)

// JSONSerializer 使用 internal/json（基于 bytedance/sonic）实现 JSON 编解码。
//
// Strict 为 true 时解码拒绝未知字段，用于客户端上行负载。
type JSONSerializer struct {
	Strict bool
}

// 编译期断言：确保 JSONSerializer 实现了 Serializer 接口。
var _ Serializer = (*JSONSerializer)(nil)

func (JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (s JSONSerializer) Unmarshal(data []byte, v any) error {
	if s.Strict {
		return json.UnmarshalStrict(data, v)
	}
	return json.Unmarshal(data, v)
}
