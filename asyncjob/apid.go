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

// Package asyncjob implements the Async Job Router: the single
// serialized task that owns every in-flight Passive Scan Job, the
// persisted APID (Async Process Identifier) counter, and the scrub
// pass that reclaims terminated jobs.
package asyncjob

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/yakdb/yakdb/protocol"
)

// APIDCounter is a monotone uint64 counter persisted to a file,
// advisory-locked for the lifetime of the process holding it so two
// server instances can never hand out the same APID against the same
// file. The file holds the last handed-out APID as 8 little-endian
// bytes followed directly by the hex checksum of those bytes, so a
// truncated or torn write is detected on the next load rather than
// silently accepted.
type APIDCounter struct {
	mu   sync.Mutex
	f    *os.File
	next uint64
}

// OpenAPIDCounter opens (creating if necessary) the counter file at
// path, takes an exclusive advisory lock on it for the life of the
// process, and loads its current value.
func OpenAPIDCounter(path string) (*APIDCounter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("asyncjob: opening APID counter file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("asyncjob: APID counter file %s is locked by another process: %w", path, err)
	}
	c := &APIDCounter{f: f}
	if err := c.load(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *APIDCounter) load() error {
	raw, err := os.ReadFile(c.f.Name())
	if err != nil {
		return fmt.Errorf("asyncjob: reading APID counter: %w", err)
	}
	if len(raw) == 0 {
		c.next = 1
		return nil
	}
	if len(raw) < 8 {
		return fmt.Errorf("asyncjob: APID counter file is truncated (%d bytes)", len(raw))
	}
	body, sum := raw[:8], raw[8:]
	want := protocol.ChecksumHex(body)
	got := trimTrailingNewline(string(sum))
	if got != "" && got != want {
		return fmt.Errorf("asyncjob: APID counter checksum mismatch: stored %s computed %s", got, want)
	}
	c.next = binary.LittleEndian.Uint64(body) + 1
	return nil
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// Next allocates and persists the next APID. Persistence happens
// before Next returns, so a crash immediately after allocation can
// never hand out the same APID twice on restart.
func (c *APIDCounter) Next() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, id)
	sum := protocol.ChecksumHex(body)
	out := append(append([]byte{}, body...), []byte(sum)...)
	if err := c.f.Truncate(0); err != nil {
		return 0, err
	}
	if _, err := c.f.WriteAt(out, 0); err != nil {
		return 0, err
	}
	if err := c.f.Sync(); err != nil {
		return 0, err
	}
	c.next++
	return id, nil
}

// Close releases the advisory lock and closes the underlying file.
func (c *APIDCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Close()
}
