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

package tablespace

import (
	"testing"
	"time"

	"github.com/yakdb/yakdb/engine"
	"github.com/yakdb/yakdb/engine/memengine"
)

func TestGetOrOpenReturnsSameHandle(t *testing.T) {
	s := New(WithFactory(memengine.Factory{}))
	a, err := s.GetOrOpen(1, "t1", engine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.GetOrOpen(1, "t1", engine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("expected the same *Table handle on repeated GetOrOpen")
	}
	if s.Len() != 1 {
		t.Fatalf("got %d open tables want 1", s.Len())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := New(WithFactory(memengine.Factory{}))
	if _, err := s.GetOrOpen(1, "t1", engine.Options{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(1); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(1); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if err := s.Close(99); err != nil {
		t.Fatalf("closing a never-opened table should be a no-op, got %v", err)
	}
}

func TestTruncateRemovesHandle(t *testing.T) {
	s := New(WithFactory(memengine.Factory{}))
	tbl, err := s.GetOrOpen(1, "t1", engine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	b := &engine.WriteBatch{}
	b.Put([]byte("k"), []byte("v"))
	if err := tbl.Engine.Write(b); err != nil {
		t.Fatal(err)
	}
	if err := s.Truncate(1); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Lookup(1); ok {
		t.Fatal("expected table to be gone after truncate")
	}
}

func TestIdleReapPinnedTableSurvives(t *testing.T) {
	s := New(WithFactory(memengine.Factory{}), WithIdleTimeout(time.Millisecond))
	tbl, err := s.GetOrOpen(1, "t1", engine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	tbl.Pin()
	time.Sleep(5 * time.Millisecond)
	s.reapOnce(time.Now())
	if _, ok := s.Lookup(1); !ok {
		t.Fatal("pinned table should not be reaped")
	}
	tbl.Unpin()
	// Unpin restarts the idle clock, so reap past the idle timeout.
	s.reapOnce(time.Now().Add(5 * time.Millisecond))
	if _, ok := s.Lookup(1); ok {
		t.Fatal("unpinned idle table should be reaped")
	}
}

func TestEnsureCapacityPreservesEntries(t *testing.T) {
	s := New(WithFactory(memengine.Factory{}))
	if _, err := s.GetOrOpen(1, "t1", engine.Options{}); err != nil {
		t.Fatal(err)
	}
	s.EnsureCapacity(64)
	if _, ok := s.Lookup(1); !ok {
		t.Fatal("expected table 1 to survive EnsureCapacity growth")
	}
}
