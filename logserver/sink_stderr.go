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

package logserver

import (
	"log"
	"os"
	"time"
)

var levelColor = map[Level]string{
	Critical: "\x1b[1;31m",
	Error:    "\x1b[31m",
	Warn:     "\x1b[33m",
	Info:     "\x1b[36m",
	Debug:    "\x1b[90m",
	Trace:    "\x1b[90m",
}

const ansiReset = "\x1b[0m"

// StderrSink writes through a stdlib log.Logger, the way
// cmd/snellerd builds its logger (log.New(os.Stderr, "",
// log.Lshortfile)), adding an ANSI colour prefix when the underlying
// file descriptor is attached to a terminal.
type StderrSink struct {
	logger *log.Logger
	color  bool
}

// NewStderrSink builds a StderrSink over os.Stderr, auto-detecting
// whether colour is appropriate.
func NewStderrSink() *StderrSink {
	return &StderrSink{
		logger: log.New(os.Stderr, "", log.Lshortfile),
		color:  isTerminal(os.Stderr.Fd()),
	}
}

func (s *StderrSink) Write(r Record) error {
	ts := time.UnixMilli(r.TimeMilli).Format("2006-01-02T15:04:05.000Z07:00")
	if s.color {
		color := levelColor[r.Level]
		s.logger.Printf("%s%s [%-5s] %s: %s%s", color, ts, r.Level, r.Sender, r.Message, ansiReset)
	} else {
		s.logger.Printf("%s [%-5s] %s: %s", ts, r.Level, r.Sender, r.Message)
	}
	return nil
}

func (s *StderrSink) Close() error { return nil }
