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

package conc

import (
	"time"

	ants "github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-relay-go/pkg/log"
)

type poolOption struct {
	// name 出现在 panic 日志中，用于区分池的用途。
	name string
	// nonBlocking 为 true 时池满立即返回 ants.ErrPoolOverload，否则阻塞调用方。
	nonBlocking bool
	// expiryDuration 为空闲 worker 的回收间隔，0 使用 ants 默认值。
	expiryDuration time.Duration
}

// PoolOption 用于配置协程池行为的选项函数。
type PoolOption func(opt *poolOption)

func (opt *poolOption) antsOptions() []ants.Option {
	result := []ants.Option{
		ants.WithNonblocking(opt.nonBlocking),
		// Submit 已在任务内 recover 并写入 Future，这里只兜底记录。
		ants.WithPanicHandler(func(v any) {
			log.Error("conc pool panicked", zap.String("pool", opt.name), zap.Any("panic", v))
		}),
	}
	if opt.expiryDuration > 0 {
		result = append(result, ants.WithExpiryDuration(opt.expiryDuration))
	}
	return result
}

func WithName(name string) PoolOption {
	return func(opt *poolOption) {
		opt.name = name
	}
}

func WithNonBlocking(v bool) PoolOption {
	return func(opt *poolOption) {
		opt.nonBlocking = v
	}
}

func WithExpiryDuration(d time.Duration) PoolOption {
	return func(opt *poolOption) {
		opt.expiryDuration = d
	}
}
