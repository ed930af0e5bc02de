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

package router

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/yakdb/yakdb/protocol"
	"github.com/yakdb/yakdb/reply"
	"github.com/yakdb/yakdb/workers"
)

// pollTimeout bounds how long Serve blocks in the socket poller before
// rechecking the interrupt flag and draining the response proxy.
const pollTimeout = 200 * time.Millisecond

// drainPumps is the number of non-blocking proxy drains Serve performs
// after Stop before giving up on in-flight replies.
const drainPumps = 64

// Server is the Main Router: it owns the external ROUTER socket (the
// only goroutine allowed to touch it), reads one multipart message at
// a time, classifies and dispatches it via Dispatch, and drains the
// response proxy to forward every reply.Message back onto the socket.
//
// A ZeroMQ ROUTER socket isn't safe for concurrent use, which is
// exactly why workers never reply directly: every worker pool and
// serialized server writes to the same reply.Proxy channel, and only
// this goroutine's select loop ever calls sock.SendMessage.
type Server struct {
	sock       *zmq4.Socket
	ctx        *zmq4.Context
	proxy      reply.Proxy
	deps       Deps
	logger     *log.Logger
	interrupt  atomic.Bool
	serverInfo func() []byte
}

// New builds a Server bound to addr (a ZeroMQ endpoint, e.g.
// "tcp://*:7100"). The caller supplies deps with every field except
// Proxy, ServerInfo, UpdatePool and ReadPool already populated; New
// fills in the first two (the pools come later via SetWorkerPools) and
// returns the completed Deps via Server.Deps() for wiring worker pools
// and serialized servers that need to submit to the same proxy.
func New(addr string, hwm int, deps Deps, logger *log.Logger) (*Server, error) {
	ctx, err := zmq4.NewContext()
	if err != nil {
		return nil, fmt.Errorf("router: creating zmq context: %w", err)
	}
	sock, err := ctx.NewSocket(zmq4.ROUTER)
	if err != nil {
		return nil, fmt.Errorf("router: creating ROUTER socket: %w", err)
	}
	if hwm > 0 {
		if err := sock.SetRcvhwm(hwm); err != nil {
			return nil, fmt.Errorf("router: setting RCVHWM: %w", err)
		}
		if err := sock.SetSndhwm(hwm); err != nil {
			return nil, fmt.Errorf("router: setting SNDHWM: %w", err)
		}
	}
	if err := sock.Bind(addr); err != nil {
		return nil, fmt.Errorf("router: binding %s: %w", addr, err)
	}
	proxy := reply.NewProxy(256)
	deps.Proxy = proxy
	s := &Server{sock: sock, ctx: ctx, proxy: proxy, deps: deps, logger: logger}
	s.serverInfo = s.defaultServerInfo
	deps.ServerInfo = s.serverInfo
	s.deps = deps
	return s, nil
}

// Deps returns the Deps value workers and serialized servers should
// submit work against; it shares this Server's response proxy.
func (s *Server) Deps() Deps { return s.deps }

// SetWorkerPools completes the Deps wiring with the update and read
// worker pools, which must themselves have been built with
// Deps().Proxy so their task replies land back on this Server's
// socket. New deliberately leaves these nil since the pools can only
// be constructed once the proxy they submit to already exists.
func (s *Server) SetWorkerPools(update, read *workers.Pool) {
	s.deps.UpdatePool = update
	s.deps.ReadPool = read
}

// Interrupted reports whether Stop has been called.
func (s *Server) Interrupted() bool { return s.interrupt.Load() }

// Stop requests that Serve return after its next receive times out or
// completes. It does not forcibly close the socket while a receive is
// in flight.
func (s *Server) Stop() {
	s.interrupt.Store(true)
}

// Serve runs the receive/dispatch/forward loop until Stop is called.
// ZeroMQ sockets don't support a native cancellation primitive here,
// so Serve polls the socket with a short timeout and checks the
// interrupt flag between polls, then drains any reply.Proxy messages
// produced by in-flight work before returning.
func (s *Server) Serve() error {
	poller := zmq4.NewPoller()
	poller.Add(s.sock, zmq4.POLLIN)
	for !s.interrupt.Load() {
		if err := s.pumpReplies(); err != nil {
			return err
		}
		sockets, err := poller.Poll(pollTimeout)
		if err != nil {
			return fmt.Errorf("router: poll: %w", err)
		}
		if len(sockets) == 0 {
			continue
		}
		if err := s.recvOne(); err != nil {
			s.logf("request error: %s", err)
		}
	}
	return s.drain()
}

func (s *Server) pumpReplies() error {
	for {
		select {
		case msg := <-s.proxy:
			if err := s.send(msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// drain forwards replies already queued on the proxy when the Serve
// loop ends, at most drainPumps of them. It returns as soon as the
// proxy is empty and does not wait for replies from work still in
// flight.
func (s *Server) drain() error {
	for i := 0; i < drainPumps; i++ {
		select {
		case msg := <-s.proxy:
			if err := s.send(msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

func (s *Server) recvOne() error {
	parts, err := s.sock.RecvMessageBytes(0)
	if err != nil {
		return fmt.Errorf("router: recv: %w", err)
	}
	// ROUTER prepends the peer's routing id; the next frame is the
	// empty delimiter separating envelope from body, matching the
	// conventional ZeroMQ REQ/ROUTER framing.
	if len(parts) < 3 {
		return fmt.Errorf("router: message too short (%d frames)", len(parts))
	}
	env := reply.Envelope{RoutingID: parts[0]}
	body := parts[2:]

	h, err := protocol.ParseHeader(body[0])
	if err != nil {
		s.proxy.Send(reply.Message{
			Envelope: env,
			Frames:   protocol.ErrorFrames(0, protocol.StatusGenericError, nil, err.Error()),
		})
		return nil
	}
	src := protocol.NewSliceSource(body[1:])
	r := protocol.NewReader(src)
	if err := Dispatch(h, env, r, s.deps); err != nil {
		s.proxy.Send(reply.Message{
			Envelope: env,
			Frames:   protocol.ErrorFrames(h.Opcode, protocol.StatusGenericError, h.Tail, err.Error()),
		})
	}
	return nil
}

func (s *Server) send(msg reply.Message) error {
	parts := make([][]byte, 0, len(msg.Frames)+2)
	parts = append(parts, msg.Envelope.RoutingID, nil)
	parts = append(parts, msg.Frames...)
	_, err := s.sock.SendMessage(parts)
	if err != nil {
		return fmt.Errorf("router: send: %w", err)
	}
	return nil
}

// Close releases the socket and context. Call after Serve returns.
func (s *Server) Close() error {
	if err := s.sock.Close(); err != nil {
		return err
	}
	return s.ctx.Term()
}

func (s *Server) defaultServerInfo() []byte {
	body := make([]byte, 8)
	var features uint64
	features |= protocol.FeatureOnTheFlyTableOpen
	features |= protocol.FeaturePartsync
	features |= protocol.FeatureFullsync
	binary.LittleEndian.PutUint64(body, features)
	return body
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
