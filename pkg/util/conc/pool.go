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
	"fmt"
	"runtime"

	ants "github.com/panjf2000/ants/v2"
)

// Pool 是基于 ants 的协程池，Submit 返回可等待的 Future。
type Pool[T any] struct {
	inner *ants.Pool
	opt   *poolOption
}

// NewPool 创建一个容量为 cap 的协程池。
func NewPool[T any](cap int, opts ...PoolOption) *Pool[T] {
	opt := &poolOption{name: "default"}
	for _, o := range opts {
		o(opt)
	}

	pool, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		panic(err)
	}

	return &Pool[T]{
		inner: pool,
		opt:   opt,
	}
}

// NewDefaultPool 创建一个容量为 GOMAXPROCS 的协程池。
func NewDefaultPool[T any](opts ...PoolOption) *Pool[T] {
	return NewPool[T](runtime.GOMAXPROCS(0), opts...)
}

// Submit 提交一个任务到协程池。
// 协程池已满且为非阻塞模式时，返回的 Future 直接携带提交错误。
func (pool *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	future := newFuture[T]()
	err := pool.inner.Submit(func() {
		defer close(future.ch)
		defer func() {
			if x := recover(); x != nil {
				future.err = fmt.Errorf("%s pool task panicked: %v", pool.opt.name, x)
			}
		}()
		res, err := method()
		if err != nil {
			future.err = err
		} else {
			future.value = res
		}
	})
	if err != nil {
		future.err = err
		close(future.ch)
	}

	return future
}

// Cap 返回协程池容量。
func (pool *Pool[T]) Cap() int {
	return pool.inner.Cap()
}

// Running 返回正在执行任务的 worker 数量。
func (pool *Pool[T]) Running() int {
	return pool.inner.Running()
}

// Free 返回空闲 worker 数量。
func (pool *Pool[T]) Free() int {
	return pool.inner.Free()
}

// Release 释放协程池，已提交的任务会继续执行完毕。
func (pool *Pool[T]) Release() {
	pool.inner.Release()
}

// Resize 调整协程池容量。
func (pool *Pool[T]) Resize(size int) error {
	if size <= 0 {
		return fmt.Errorf("conc: invalid pool size %d", size)
	}
	pool.inner.Tune(size)
	return nil
}
