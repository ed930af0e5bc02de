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

// Package tablespace tracks the set of tables a YakDB instance has
// open. Every table is identified by an application-chosen uint32
// table id; a table is opened on the first GetOrOpen for its id
// (Lookup never opens one) and closed either explicitly (table-admin
// Close) or by the idle reaper once unused for IdleTimeout, checked
// every GCInterval, mirroring the lazy-launch /
// idle-reap lifecycle the tenant process manager uses for its
// subprocesses.
package tablespace

import (
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/yakdb/yakdb/engine"
)

// ErrNotOpen is returned when an operation names a table id that has
// no live handle.
var ErrNotOpen = errNotOpen{}

type errNotOpen struct{}

func (errNotOpen) Error() string { return "tablespace: table is not open" }

// DefaultGCInterval is the default interval at which tables untouched
// for longer than DefaultIdleTimeout are closed.
const DefaultGCInterval = 5 * time.Minute

// DefaultIdleTimeout is the default idle duration after which an open
// table becomes eligible for the GC sweep.
const DefaultIdleTimeout = 30 * time.Minute

// Table is a single open table handle: its storage engine plus the
// bookkeeping the tablespace needs to decide when it's idle.
type Table struct {
	ID      uint32
	Name    string
	Engine  engine.Engine
	Options engine.Options

	mu        sync.Mutex
	lastUsed  time.Time
	pinned    int // active request count; never reaped while > 0
}

// Touch records activity against t, resetting its idle clock.
func (t *Table) Touch() {
	t.mu.Lock()
	t.lastUsed = time.Now()
	t.mu.Unlock()
}

// Pin marks the table in-use for the duration of a request so the idle
// reaper cannot close it out from underneath an in-flight scan.
func (t *Table) Pin() {
	t.mu.Lock()
	t.pinned++
	t.mu.Unlock()
}

// Unpin releases a Pin taken by a caller.
func (t *Table) Unpin() {
	t.mu.Lock()
	if t.pinned > 0 {
		t.pinned--
	}
	t.lastUsed = time.Now()
	t.mu.Unlock()
}

func (t *Table) idleSince(now time.Time, timeout time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pinned == 0 && now.Sub(t.lastUsed) >= timeout
}

// Option configures a Tablespace at construction time.
type Option func(*Tablespace)

// WithFactory sets the engine.Factory used to open tables. There is
// no default: without a factory, GetOrOpen returns an error.
func WithFactory(f engine.Factory) Option {
	return func(s *Tablespace) { s.factory = f }
}

// WithGCInterval sets how often the idle reaper sweeps. Zero disables
// idle reaping entirely.
func WithGCInterval(d time.Duration) Option {
	return func(s *Tablespace) { s.gcInterval = d }
}

// WithIdleTimeout sets how long a table may sit unused before the
// reaper closes it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Tablespace) { s.idleTimeout = d }
}

// WithLogger directs diagnostic output (reap decisions, open/close
// errors) to l. If unset, nothing is logged.
func WithLogger(l *log.Logger) Option {
	return func(s *Tablespace) { s.logger = l }
}

// WithRootDir sets the directory under which per-table engine
// directories are created.
func WithRootDir(dir string) Option {
	return func(s *Tablespace) { s.rootDir = dir }
}

// Tablespace is the set of tables a server instance manages.
type Tablespace struct {
	factory     engine.Factory
	gcInterval  time.Duration
	idleTimeout time.Duration
	logger      *log.Logger
	rootDir     string

	mu      sync.Mutex
	live    map[uint32]*Table
	dirOf   map[uint32]string
	done    chan struct{}
	initRun sync.Once
}

// New builds a Tablespace. Call Start to begin idle reaping.
func New(opt ...Option) *Tablespace {
	s := &Tablespace{
		gcInterval:  DefaultGCInterval,
		idleTimeout: DefaultIdleTimeout,
		live:        make(map[uint32]*Table),
		dirOf:       make(map[uint32]string),
		done:        make(chan struct{}),
	}
	for _, o := range opt {
		o(s)
	}
	return s
}

// Start launches the idle-table reaper goroutine. Start is idempotent.
func (s *Tablespace) Start() {
	s.initRun.Do(func() {
		if s.gcInterval > 0 {
			go s.reapLoop()
		}
	})
}

// Stop halts the reaper and closes every open table.
func (s *Tablespace) Stop() {
	close(s.done)
	s.mu.Lock()
	ids := maps.Keys(s.live)
	s.mu.Unlock()
	slices.Sort(ids)
	for _, id := range ids {
		if err := s.Close(id); err != nil {
			s.logf("closing table %d during shutdown: %s", id, err)
		}
	}
}

func (s *Tablespace) reapLoop() {
	t := time.NewTicker(s.gcInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-t.C:
			s.reapOnce(now)
		}
	}
}

func (s *Tablespace) reapOnce(now time.Time) {
	s.mu.Lock()
	var idle []uint32
	for id, tbl := range s.live {
		if tbl.idleSince(now, s.idleTimeout) {
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()
	slices.Sort(idle)
	for _, id := range idle {
		if err := s.Close(id); err != nil {
			s.logf("reaping table %d: %s", id, err)
		} else {
			s.logf("reaped idle table %d", id)
		}
	}
}

// GetOrOpen returns the live handle for id, opening it via the
// configured factory if it is not already open. open is only invoked
// on a cache miss; concurrent GetOrOpen calls for the same id never
// race to open it twice.
func (s *Tablespace) GetOrOpen(id uint32, name string, opts engine.Options) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.live[id]; ok {
		return t, nil
	}
	factory := s.factory
	if factory == nil {
		return nil, fmt.Errorf("tablespace: no engine factory configured")
	}
	dir := s.tableDir(id)
	e, err := factory.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("tablespace: opening table %d: %w", id, err)
	}
	t := &Table{ID: id, Name: name, Engine: e, Options: opts, lastUsed: time.Now()}
	s.live[id] = t
	s.dirOf[id] = dir
	return t, nil
}

// Lookup returns the live handle for id without opening it.
func (s *Tablespace) Lookup(id uint32) (*Table, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.live[id]
	return t, ok
}

// Close closes and forgets the handle for id. Closing a table that
// isn't open is a no-op, matching the idempotent-close requirement for
// repeated table-admin Close requests.
func (s *Tablespace) Close(id uint32) error {
	s.mu.Lock()
	t, ok := s.live[id]
	if ok {
		delete(s.live, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return t.Engine.Close()
}

// Truncate closes id (if open) and destroys its on-disk state via the
// engine factory's RemoveAll.
func (s *Tablespace) Truncate(id uint32) error {
	s.mu.Lock()
	dir, haveDir := s.dirOf[id]
	if !haveDir {
		dir = s.tableDir(id)
	}
	s.mu.Unlock()
	if err := s.Close(id); err != nil {
		return err
	}
	if s.factory == nil {
		return nil
	}
	return s.factory.RemoveAll(dir)
}

// Len reports the number of currently open tables, used by
// EnsureCapacity-style preallocation hints and by diagnostics.
func (s *Tablespace) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// EnsureCapacity hints that at least n tables are about to be opened,
// letting the live map grow once instead of repeatedly rehashing as
// individual GetOrOpen calls arrive. It never shrinks an existing map
// and is purely an optimization: correctness never depends on calling
// it.
func (s *Tablespace) EnsureCapacity(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.live) >= n {
		return
	}
	grown := make(map[uint32]*Table, n)
	maps.Copy(grown, s.live)
	s.live = grown
}

// RootDir returns the directory under which per-table engine
// directories are created.
func (s *Tablespace) RootDir() string { return s.rootDir }

func (s *Tablespace) tableDir(id uint32) string {
	if s.rootDir == "" {
		return fmt.Sprintf("table-%d", id)
	}
	return fmt.Sprintf("%s/table-%d", s.rootDir, id)
}

func (s *Tablespace) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
