// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package workers implements the Update Worker and Read Worker pools:
// the fixed-size goroutine pools that perform the actual table reads
// and writes dispatched by the Main Router, each writing its result to
// the shared reply.Proxy rather than touching the external socket
// itself. The pool mechanics mirror the channel-consumer worker
// pattern the cache layer uses for its own background fill workers.
package workers

import (
	"sync"

	"github.com/yakdb/yakdb/reply"
)

// DefaultPoolSize is the default number of goroutines in an Update or
// Read worker pool.
const DefaultPoolSize = 3

// Task is one unit of work a pool goroutine executes. Execute must
// deliver exactly one reply.Message to proxy before returning, unless
// the request requires no reply at all (fire-and-forget opcodes),
// in which case Execute delivers nothing.
type Task interface {
	Execute(proxy reply.Proxy)
}

// Pool is a fixed-size goroutine pool draining a task queue.
type Pool struct {
	proxy reply.Proxy
	tasks chan Task
	wg    sync.WaitGroup
}

// NewPool builds a Pool of size goroutines that deliver their results
// to proxy. Size is clamped to at least 1.
func NewPool(size int, proxy reply.Proxy) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		proxy: proxy,
		tasks: make(chan Task, size*4),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		t.Execute(p.proxy)
	}
}

// Submit enqueues t for execution by the next free worker goroutine.
func (p *Pool) Submit(t Task) {
	p.tasks <- t
}

// Stop closes the task queue and waits for every in-flight task to
// finish. Submit must not be called again after Stop.
func (p *Pool) Stop() {
	close(p.tasks)
	p.wg.Wait()
}
