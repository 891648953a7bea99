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

package log

import (
	"sync"

	"go.uber.org/zap/zapcore"
)

// lazyWithCore 推迟 core.With(fields) 的调用，直到第一次真正输出日志。
// 会话上下文会多次叠加字段，大部分 Logger 从未输出，懒绑定可以省去这些编码开销。
// 参考 https://github.com/uber-go/zap/issues/1426。
type lazyWithCore struct {
	base   zapcore.Core
	fields []zapcore.Field

	once sync.Once
	core zapcore.Core
}

var _ zapcore.Core = (*lazyWithCore)(nil)

// NewLazyWith 返回在首次使用时才绑定 fields 的 Core。
func NewLazyWith(core zapcore.Core, fields []zapcore.Field) zapcore.Core {
	return &lazyWithCore{base: core, fields: fields}
}

func (c *lazyWithCore) resolve() zapcore.Core {
	c.once.Do(func() {
		c.core = c.base.With(c.fields)
		c.fields = nil
	})
	return c.core
}

// Enabled 不触发绑定，With 不会改变级别。
func (c *lazyWithCore) Enabled(level zapcore.Level) bool {
	return c.base.Enabled(level)
}

func (c *lazyWithCore) With(fields []zapcore.Field) zapcore.Core {
	return c.resolve().With(fields)
}

func (c *lazyWithCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.base.Enabled(e.Level) {
		return ce
	}
	return c.resolve().Check(e, ce)
}

func (c *lazyWithCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	return c.resolve().Write(entry, fields)
}

func (c *lazyWithCore) Sync() error {
	return c.resolve().Sync()
}
