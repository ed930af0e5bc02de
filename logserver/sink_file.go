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
	"fmt"
	"log"
	"os"
	"time"
)

// FileSink appends plain-text log lines to a file, in the same
// [timestamp] [level] sender: message shape as StderrSink, minus the
// colour codes.
type FileSink struct {
	f      *os.File
	logger *log.Logger
}

// NewFileSink opens path for appending, creating it if necessary.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("logserver: opening log file %s: %w", path, err)
	}
	return &FileSink{f: f, logger: log.New(f, "", 0)}, nil
}

func (s *FileSink) Write(r Record) error {
	ts := time.UnixMilli(r.TimeMilli).Format("2006-01-02T15:04:05.000Z07:00")
	s.logger.Printf("%s [%-5s] %s: %s", ts, r.Level, r.Sender, r.Message)
	return nil
}

func (s *FileSink) Close() error { return s.f.Close() }
