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
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// DefaultArchiveMaxBytes is the size threshold at which ArchiveSink
// rotates its current segment into a zstd-compressed file and opens a
// fresh one.
const DefaultArchiveMaxBytes = 64 << 20

// ArchiveSink writes log lines through a zstd encoder directly to a
// rotating sequence of segment files under dir, named
// yakdb-log.<n>.zst. Encoder construction mirrors compr.Compression's
// "zstd" case (single-threaded encoder, default level) since archived
// logs are written incrementally rather than bulk-compressed.
type ArchiveSink struct {
	dir      string
	maxBytes int64

	f       *os.File
	enc     *zstd.Encoder
	written int64
	segment int
}

// NewArchiveSink opens (or creates) dir and begins writing the first
// segment. maxBytes <= 0 uses DefaultArchiveMaxBytes.
func NewArchiveSink(dir string, maxBytes int64) (*ArchiveSink, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultArchiveMaxBytes
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("logserver: creating archive dir %s: %w", dir, err)
	}
	s := &ArchiveSink{dir: dir, maxBytes: maxBytes}
	if err := s.openSegment(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ArchiveSink) openSegment() error {
	path := filepath.Join(s.dir, fmt.Sprintf("yakdb-log.%d.zst", s.segment))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("logserver: opening archive segment %s: %w", path, err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderConcurrency(1))
	if err != nil {
		f.Close()
		return fmt.Errorf("logserver: building zstd encoder: %w", err)
	}
	s.f = f
	s.enc = enc
	s.written = 0
	return nil
}

func (s *ArchiveSink) Write(r Record) error {
	ts := time.UnixMilli(r.TimeMilli).Format("2006-01-02T15:04:05.000Z07:00")
	line := fmt.Sprintf("%s [%-5s] %s: %s\n", ts, r.Level, r.Sender, r.Message)
	n, err := s.enc.Write([]byte(line))
	if err != nil {
		return err
	}
	s.written += int64(n)
	if s.written >= s.maxBytes {
		return s.rotate()
	}
	return nil
}

func (s *ArchiveSink) rotate() error {
	if err := s.closeSegment(); err != nil {
		return err
	}
	s.segment++
	return s.openSegment()
}

func (s *ArchiveSink) closeSegment() error {
	if err := s.enc.Close(); err != nil {
		s.f.Close()
		return fmt.Errorf("logserver: closing zstd encoder: %w", err)
	}
	return s.f.Close()
}

func (s *ArchiveSink) Close() error { return s.closeSegment() }
