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

// Package logserver is the Log Server task: a single goroutine reading
// Record values off an internal channel and dispatching them, in
// level-filtered order, to an ordered list of sinks (stderr, file,
// ring buffer, zstd-archived file). It deliberately formats through
// the stdlib log.Logger the way cmd/snellerd does everywhere else in
// this tree rather than adopting a structured-logging library.
package logserver

import (
	"fmt"
	"os"
	"sync"
)

// Level mirrors the Critical < ... < Trace ordering from the wire
// spec: lower values are more severe, and a record is emitted when
// its Level is <= the server's configured threshold.
type Level byte

const (
	Critical Level = iota
	Error
	Warn
	Info
	Debug
	Trace
)

func (l Level) String() string {
	switch l {
	case Critical:
		return "CRIT"
	case Error:
		return "ERROR"
	case Warn:
		return "WARN"
	case Info:
		return "INFO"
	case Debug:
		return "DEBUG"
	case Trace:
		return "TRACE"
	default:
		return fmt.Sprintf("LEVEL(%d)", byte(l))
	}
}

// recordType distinguishes an ordinary log line from the 0xFF
// sentinel that stops the server.
type recordType byte

const (
	typeLog  recordType = 0x01
	typeStop recordType = 0xFF
)

// Record is the internal-channel frame: [type, level, timestamp_ms,
// sender, message] collapsed into one Go value since the channel
// never crosses a process boundary.
type Record struct {
	typ       recordType
	Level     Level
	TimeMilli int64
	Sender    string
	Message   string
}

// NewRecord builds an ordinary log record.
func NewRecord(level Level, timeMilli int64, sender, message string) Record {
	return Record{typ: typeLog, Level: level, TimeMilli: timeMilli, Sender: sender, Message: message}
}

func stopRecord() Record { return Record{typ: typeStop} }

// Sink receives every record that passes the level filter. Sinks are
// dispatched to in registration order; a sink's Write error is logged
// to the fallback stderr writer but never stops the remaining sinks.
type Sink interface {
	Write(r Record) error
	Close() error
}

// DefaultHWM is the internal channel's buffer depth, matching the
// ~250-deep default the spec gives for internal channels generally.
const DefaultHWM = 250

// Server is the Log Server: it owns the input channel and the
// ordered sink list, and runs its dispatch loop on Run.
type Server struct {
	threshold Level
	input     chan Record
	sinks     []Sink

	mu      sync.Mutex
	stopped bool
}

// New builds a Server with the given level threshold and sinks, in
// dispatch order. The returned Server must be started with Run in its
// own goroutine.
func New(threshold Level, sinks ...Sink) *Server {
	return &Server{
		threshold: threshold,
		input:     make(chan Record, DefaultHWM),
		sinks:     sinks,
	}
}

// Input returns the channel producers send Records on.
func (s *Server) Input() chan<- Record { return s.input }

// Log is a convenience wrapper around sending a Record on Input.
func (s *Server) Log(level Level, timeMilli int64, sender, message string) {
	s.input <- NewRecord(level, timeMilli, sender, message)
}

// Run drains the input channel, filtering by level and fanning each
// surviving record out to every sink, until a 0xFF stop record is
// received or Stop is called. It closes every sink before returning.
func (s *Server) Run() {
	defer s.closeSinks()
	for rec := range s.input {
		if rec.typ == typeStop {
			return
		}
		if !s.shouldEmit(rec.Level) {
			continue
		}
		for _, sink := range s.sinks {
			if err := sink.Write(rec); err != nil {
				fmt.Fprintf(os.Stderr, "logserver: sink write failed: %s\n", err)
			}
		}
	}
}

// Stop sends the 0xFF sentinel that ends Run. Safe to call more than
// once; only the first call has an effect.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.input <- stopRecord()
}

// shouldEmit reports whether level passes this server's threshold.
func (s *Server) shouldEmit(level Level) bool {
	return level <= s.threshold
}

func (s *Server) closeSinks() {
	for _, sink := range s.sinks {
		sink.Close()
	}
}
