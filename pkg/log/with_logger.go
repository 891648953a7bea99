package log

import "go.uber.org/atomic"

// LoggerBinder 由可以在运行期替换模块 Logger 的组件实现。
type LoggerBinder interface {
	Logger() *MLogger
	SetLogger(logger *MLogger)
}

var _ LoggerBinder = (*Binder)(nil)

// Binder 嵌入到 Hub、巡检器等长期存在的组件中，保存按 logging.<module> 配置的 Logger。
// 零值可用，未绑定时输出到全局 Logger。
type Binder struct {
	logger atomic.Pointer[MLogger]
}

// SetLogger 绑定 Logger，nil 表示恢复为全局 Logger。
func (b *Binder) SetLogger(logger *MLogger) {
	b.logger.Store(logger)
}

func (b *Binder) Logger() *MLogger {
	if l := b.logger.Load(); l != nil {
		return l
	}
	return With()
}
