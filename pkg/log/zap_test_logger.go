// Copyright 2021 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Copyright (c) 2017 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// 说明：本文件中的部分代码基于 go.uber.org/zap 中的实现，遵循 MIT 许可。
//
// https://github.com/uber-go/zap/blob/0c427222737cbbbdc53ebdf852c511f7aca0818b/zaptest/logger.go

package log

import (
	"bytes"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// testWriter 将日志行转发到 t.Logf，测试失败时日志与用例输出一起展示。
type testWriter struct {
	t zaptest.TestingT
	// fail 为 true 时每次写入都将用例标记为失败，用作 zap 内部错误输出。
	fail bool
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", bytes.TrimSuffix(p, []byte("\n")))
	if w.fail {
		w.t.Fail()
	}
	return len(p), nil
}

func (w testWriter) Sync() error { return nil }

// InitTestLogger 创建输出到 t.Logf 的 Logger，zap 自身的错误会使用例失败。
func InitTestLogger(t zaptest.TestingT, cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	opts = append([]zap.Option{zap.ErrorOutput(testWriter{t: t, fail: true})}, opts...)
	return InitLoggerWithWriteSyncer(cfg, testWriter{t: t}, opts...)
}

// NewTestLogger 返回一个输出到 t.Logf 的 MLogger，便于在测试中注入组件。
func NewTestLogger(t zaptest.TestingT) *MLogger {
	l, _, err := InitTestLogger(t, &Config{Level: "debug", Format: FormatText})
	if err != nil {
		t.Errorf("init test logger: %v", err)
		return &MLogger{Logger: zap.NewNop()}
	}
	return &MLogger{Logger: l}
}
