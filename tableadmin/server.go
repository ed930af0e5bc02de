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

package tableadmin

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/yakdb/yakdb/engine"
	"github.com/yakdb/yakdb/tablespace"
)

// Request is a single table-admin operation, submitted to Server.Run
// through its request channel. Exactly one Request is in flight at a
// time: the table-admin server is a single serialized task, the same
// way spec.md treats it, so no locking is needed inside handle.
type Request struct {
	Op       AdminOp
	TableID  uint32
	Name     string
	WireOpts map[string]string
	Reply    chan<- Result
}

// AdminOp identifies which table-admin operation a Request performs.
type AdminOp int

const (
	OpOpen AdminOp = iota
	OpClose
	OpTruncate
	OpList
)

// Result is what a Request's Reply channel receives.
type Result struct {
	Table *tablespace.Table
	Open  []uint32 // populated for OpList
	Err   error
}

// Server is the table-admin server: the single task that serializes
// all table open/close/truncate/list operations against a Tablespace.
type Server struct {
	space      *tablespace.Tablespace
	factory    engine.Factory
	defaults   engine.Options
	logger     *log.Logger
	requests   chan Request
	done       chan struct{}
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger directs diagnostic output to l.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithDefaultOptions sets the process-default engine.Options applied
// to tables with no persisted config and no request-provided options.
func WithDefaultOptions(o engine.Options) Option {
	return func(s *Server) { s.defaults = o }
}

// NewServer builds a Server over space using factory to open tables
// not already tracked by space.
func NewServer(space *tablespace.Tablespace, factory engine.Factory, opt ...Option) *Server {
	s := &Server{
		space:    space,
		factory:  factory,
		requests: make(chan Request, 64),
		done:     make(chan struct{}),
	}
	for _, o := range opt {
		o(s)
	}
	return s
}

// Requests returns the channel Request values should be sent on.
func (s *Server) Requests() chan<- Request { return s.requests }

// Run serves requests until Stop is called or the Requests channel is
// closed. It must be run from exactly one goroutine.
func (s *Server) Run() {
	for {
		select {
		case req, ok := <-s.requests:
			if !ok {
				return
			}
			s.handle(req)
		case <-s.done:
			return
		}
	}
}

// Stop causes a running Run to return once any in-flight handle call
// completes.
func (s *Server) Stop() {
	close(s.done)
}

func (s *Server) handle(req Request) {
	var res Result
	switch req.Op {
	case OpOpen:
		res.Table, res.Err = s.open(req.TableID, req.Name, req.WireOpts)
	case OpClose:
		res.Err = s.space.Close(req.TableID)
	case OpTruncate:
		res.Err = s.truncate(req.TableID)
	case OpList:
		res.Open = s.list()
	default:
		res.Err = fmt.Errorf("tableadmin: unknown op %d", req.Op)
	}
	if req.Reply != nil {
		req.Reply <- res
	}
}

func (s *Server) open(id uint32, name string, wireOpts map[string]string) (*tablespace.Table, error) {
	if t, ok := s.space.Lookup(id); ok {
		return t, nil
	}
	requested, err := optionsFromStringMap(wireOpts)
	if err != nil {
		return nil, err
	}
	dir := s.tableDir(id)
	persisted, err := loadConfig(dir, s.defaults)
	if err != nil {
		return nil, err
	}
	opts := mergeOptions(mergeOptions(persisted, s.defaults), requested)
	if err := saveConfig(dir, opts); err != nil {
		return nil, err
	}
	t, err := s.space.GetOrOpen(id, name, opts)
	if err != nil {
		return nil, err
	}
	s.logf("opened table %d (%s)", id, name)
	return t, nil
}

// truncate atomically empties a table: the live engine is closed, its
// directory is renamed aside to a uuid-named sibling, the factory's
// RemoveAll runs against the renamed path, and the renamed directory
// is then removed before truncate returns.
// Renaming first means a crash between rename and removal leaves an
// orphaned uuid directory rather than a half-deleted table directory.
func (s *Server) truncate(id uint32) error {
	dir := s.tableDir(id)
	if err := s.space.Close(id); err != nil {
		return err
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	trashDir := dir + ".trash-" + uuid.New().String()
	if err := os.Rename(dir, trashDir); err != nil {
		return fmt.Errorf("tableadmin: renaming %s aside: %w", dir, err)
	}
	if s.factory != nil {
		if err := s.factory.RemoveAll(trashDir); err != nil {
			s.logf("truncate table %d: RemoveAll(%s): %s", id, trashDir, err)
		}
	}
	if err := os.RemoveAll(trashDir); err != nil {
		return fmt.Errorf("tableadmin: removing %s: %w", trashDir, err)
	}
	s.logf("truncated table %d", id)
	return nil
}

func (s *Server) list() []uint32 {
	entries, err := os.ReadDir(s.space.RootDir())
	if err != nil {
		return nil
	}
	var ids []uint32
	for _, e := range entries {
		var id uint32
		if _, err := fmt.Sscanf(e.Name(), "table-%d", &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Server) tableDir(id uint32) string {
	return filepath.Join(s.space.RootDir(), fmt.Sprintf("table-%d", id))
}
