package codec

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/chat-relay-go/internal/json"
	"github.com/lk2023060901/chat-relay-go/internal/network/serializer"
)

// Envelope 是一条 WebSocket 文本帧的外层结构：{"event": "...", "data": {...}}。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Codec 抽象了“事件名 + 业务对象 <-> 文本帧”的编解码流程。
//
// Pipeline（写出 Encode）：
//
//	msg --> serializer --> Envelope{Event+Data} --> frame
//
// Pipeline（读入 Decode）：
//
//	frame --> Envelope{Event+Data}，Data 由上层（Router）按事件类型解码
type Codec interface {
	// Encode 将事件与负载编码为一帧。msg 为 nil 时 data 字段被省略。
	Encode(event string, msg any) ([]byte, error)

	// Decode 解析一帧，返回信封；负载保持原始字节。
	Decode(frame []byte) (Envelope, error)
}

// Options 用于构造 Codec 的依赖注入参数。
type Options struct {
	// Serializer 为空时使用严格模式的 JSONSerializer。
	Serializer serializer.Serializer
}

type codec struct {
	serializer serializer.Serializer
}

// ErrEmptyEvent 表示帧中缺少事件名。
var ErrEmptyEvent = errors.New("codec: event is empty")

// New 根据 Options 创建 Codec。
func New(opts Options) Codec {
	ser := opts.Serializer
	if ser == nil {
		ser = serializer.JSONSerializer{Strict: true}
	}
	return &codec{serializer: ser}
}

// Encode 实现 Codec.Encode。
func (c *codec) Encode(event string, msg any) ([]byte, error) {
	if event == "" {
		return nil, ErrEmptyEvent
	}
	env := Envelope{Event: event}
	if msg != nil {
		data, err := c.serializer.Marshal(msg)
		if err != nil {
			return nil, errors.Wrapf(err, "codec: marshal payload for event %s", event)
		}
		env.Data = data
	}
	return c.serializer.Marshal(env)
}

// Decode 实现 Codec.Decode。
func (c *codec) Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if len(bytes.TrimSpace(frame)) == 0 {
		return env, errors.New("codec: empty frame")
	}
	if err := c.serializer.Unmarshal(frame, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "codec: unmarshal envelope")
	}
	if env.Event == "" {
		return Envelope{}, ErrEmptyEvent
	}
	return env, nil
}
