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
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

type future interface {
	wait()
	OK() bool
	Err() error
}

// Future 是异步任务的执行结果。
// 在任务完成前调用 Value/OK/Err 会阻塞。
type Future[T any] struct {
	ch    chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{
		ch: make(chan struct{}),
	}
}

func (future *Future[T]) wait() {
	<-future.ch
}

// Await 阻塞等待任务结束并返回结果。
func (future *Future[T]) Await() (T, error) {
	future.wait()
	return future.value, future.err
}

// Value 阻塞等待并返回任务结果值。
func (future *Future[T]) Value() T {
	future.wait()
	return future.value
}

// OK 阻塞等待，任务无错误时返回 true。
func (future *Future[T]) OK() bool {
	future.wait()
	return future.err == nil
}

// Err 阻塞等待并返回任务错误。
func (future *Future[T]) Err() error {
	future.wait()
	return future.err
}

// Inner 返回任务完成后关闭的通道，用于 select。
func (future *Future[T]) Inner() <-chan struct{} {
	return future.ch
}

// Go 在新的 goroutine 中执行 fn 并返回 Future。
func Go[T any](fn func() (T, error)) *Future[T] {
	future := newFuture[T]()
	go func() {
		defer close(future.ch)
		future.value, future.err = fn()
	}()
	return future
}

// AwaitAll 依次等待所有 Future，返回遇到的第一个错误。
func AwaitAll[T future](futures ...T) error {
	for i := range futures {
		if !futures[i].OK() {
			return futures[i].Err()
		}
	}
	return nil
}

// BlockOnAll 等待全部 Future 结束，任何一个失败都不会提前返回，
// 返回值为所有失败的合并错误。
func BlockOnAll[T future](futures ...T) error {
	var errs []error
	for i := range futures {
		if err := futures[i].Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return merr.Combine(errs...)
}
