// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.

package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

type config struct {
	attempts     uint
	sleep        time.Duration
	maxSleepTime time.Duration
	jitter       float64
	isRetryErr   func(err error) bool
}

func newDefaultConfig() *config {
	return &config{
		attempts:     uint(10),
		sleep:        200 * time.Millisecond,
		maxSleepTime: 3 * time.Second,
	}
}

// backOff 根据配置构造一个不限总时长的指数退避策略。
func (c *config) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.sleep),
		backoff.WithMaxInterval(c.maxSleepTime),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(c.jitter),
		backoff.WithMaxElapsedTime(0),
	)
	b.Reset()
	return b
}

// Option is used to config the retry function.
type Option func(*config)

// Attempts is used to config the max retry times. 0 means retry until success.
func Attempts(attempts uint) Option {
	return func(c *config) {
		c.attempts = attempts
	}
}

// Sleep is used to config the initial interval time of each execution.
func Sleep(sleep time.Duration) Option {
	return func(c *config) {
		c.sleep = sleep
		// ensure max retry interval is always larger than retry interval
		if c.sleep*2 > c.maxSleepTime {
			c.maxSleepTime = 2 * c.sleep
		}
	}
}

// MaxSleepTime is used to config the max interval time of each execution.
func MaxSleepTime(maxSleepTime time.Duration) Option {
	return func(c *config) {
		// ensure max retry interval is always larger than retry interval
		if c.sleep*2 > maxSleepTime {
			c.maxSleepTime = 2 * c.sleep
		} else {
			c.maxSleepTime = maxSleepTime
		}
	}
}

// Jitter 设置退避间隔的随机化比例，取值范围 [0, 1)。
func Jitter(factor float64) Option {
	return func(c *config) {
		c.jitter = factor
	}
}

// RetryErr 只对 fn 判定为 true 的错误继续重试。
func RetryErr(fn func(err error) bool) Option {
	return func(c *config) {
		c.isRetryErr = fn
	}
}
