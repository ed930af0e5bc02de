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

// Package reply defines the internal response-proxy message: the one
// shape every worker pool (table-admin, update, read, async job
// router) produces and the one shape the Main Router consumes. Routing
// every reply through a single Go channel, rather than letting workers
// touch the external ZeroMQ socket directly, confines socket ownership
// to the router goroutine, which is the only safe way to drive a
// non-thread-safe ZeroMQ socket from multiple producers.
package reply

// Envelope carries the ROUTER-socket routing id that must precede a
// reply's own frames so the external socket can deliver it to the
// right peer; the router adds the empty delimiter frame when it sends.
// Every reply, including an async job's data replies, uses the
// envelope of the request it answers.
type Envelope struct {
	RoutingID []byte
}

// Message is one complete reply: an addressing envelope plus the
// ordered frames of the reply body, exactly as WriteHeader/ErrorFrames
// and request handlers build them.
type Message struct {
	Envelope Envelope
	Frames   [][]byte
}

// Proxy is the response-proxy channel type: every worker pool sends
// completed replies here, and the Main Router is the sole reader.
type Proxy chan Message

// NewProxy creates a response-proxy channel with the given buffer
// depth (the workers' send should never block the request being
// serviced on the router draining fast enough, so a modest buffer
// absorbs bursts).
func NewProxy(buffer int) Proxy {
	return make(Proxy, buffer)
}

// Send delivers msg to the proxy. It blocks until the channel has
// buffer room or the router takes the message; it has no shutdown
// awareness of its own.
func (p Proxy) Send(msg Message) {
	p <- msg
}
