/*
 *
 * Copyright 2022 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package grpcsync

import (
	"context"
	"sync"
)

// CallbackSerializer provides a mechanism to schedule callbacks in a
// synchronized manner. All callbacks scheduled via this serializer are
// executed in the order in which they were scheduled, serially, on a single
// goroutine.
//
// This is used by the xDS client to invoke watcher callbacks in a total
// order, regardless of which goroutine the underlying event (a transport
// callback, a timer fire, a cancellation) originated on.
type CallbackSerializer struct {
	done chan struct{}

	callbacks *buffer
	closedMu  sync.Mutex
	closed    bool
}

// NewCallbackSerializer returns a new CallbackSerializer instance. The
// provided context is used to control the lifetime of the serializer. Once
// the context is canceled, no new callbacks are accepted; callbacks that were
// already scheduled still run, with the canceled context, and the done
// channel is closed after the last of them returns.
func NewCallbackSerializer(ctx context.Context) *CallbackSerializer {
	cs := &CallbackSerializer{
		done:      make(chan struct{}),
		callbacks: newBuffer(),
	}
	go cs.run(ctx)
	return cs
}

// TrySchedule tries to schedule the provided callback function f to be
// executed in the order it was scheduled, after all previously scheduled
// callbacks have finished. If the serializer was already closed, this is a
// no-op.
func (cs *CallbackSerializer) TrySchedule(f func(ctx context.Context)) bool {
	cs.closedMu.Lock()
	defer cs.closedMu.Unlock()
	if cs.closed {
		return false
	}
	cs.callbacks.put(f)
	return true
}

// ScheduleOr schedules the provided callback to be executed in the order it
// was scheduled, after all previously scheduled callbacks have finished
// executing. If the serializer is already closed, onFailure is executed
// inline instead.
func (cs *CallbackSerializer) ScheduleOr(f func(ctx context.Context), onFailure func()) {
	if !cs.TrySchedule(f) {
		onFailure()
	}
}

// Done returns a channel that is closed after the serializer is closed and
// all scheduled callbacks are finished.
func (cs *CallbackSerializer) Done() <-chan struct{} {
	return cs.done
}

func (cs *CallbackSerializer) run(ctx context.Context) {
	defer close(cs.done)

	// Run callbacks in the order they were scheduled until ctx is canceled.
	for ctx.Err() == nil {
		select {
		case cb := <-cs.callbacks.get():
			cs.callbacks.load()
			cb.(func(context.Context))(ctx)
		case <-ctx.Done():
		}
	}

	cs.closedMu.Lock()
	cs.closed = true
	cs.closedMu.Unlock()

	// Run all pending callbacks that were scheduled before Close, passing
	// the now-canceled context so callbacks can detect shutdown.
	for {
		select {
		case cb := <-cs.callbacks.get():
			cs.callbacks.load()
			cb.(func(context.Context))(ctx)
		default:
			return
		}
	}
}

// buffer is an unbounded FIFO of pending callbacks, implemented as a
// lock-protected slice with a single-item "get channel" like grpc-go's
// internal/buffer.Unbounded, adapted here to carry arbitrary function
// values instead of typed messages.
type buffer struct {
	c       chan any
	mu      sync.Mutex
	backlog []any
}

func newBuffer() *buffer {
	return &buffer{c: make(chan any, 1)}
}

func (b *buffer) put(f any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.backlog) == 0 {
		select {
		case b.c <- f:
			return
		default:
		}
	}
	b.backlog = append(b.backlog, f)
}

func (b *buffer) load() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.backlog) > 0 {
		select {
		case b.c <- b.backlog[0]:
			b.backlog = b.backlog[1:]
		default:
		}
	}
}

func (b *buffer) get() <-chan any {
	return b.c
}
