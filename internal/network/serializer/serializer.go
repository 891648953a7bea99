package serializer

// Serializer 负责事件负载与字节之间的转换。
// Codec 与 Router 共用同一实现：上行负载严格解码，下行负载按结构原样输出。
type Serializer interface {
	Marshal(v any) ([]byte, error)
	// Unmarshal 的 v 必须为指针。
	Unmarshal(data []byte, v any) error
}
