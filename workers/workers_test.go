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

package workers

import (
	"bytes"
	"testing"

	"github.com/yakdb/yakdb/engine"
	"github.com/yakdb/yakdb/engine/memengine"
	"github.com/yakdb/yakdb/protocol"
	"github.com/yakdb/yakdb/reply"
	"github.com/yakdb/yakdb/tablespace"
)

func newTable(t *testing.T) *tablespace.Table {
	t.Helper()
	space := tablespace.New(tablespace.WithFactory(memengine.Factory{}))
	tbl, err := space.GetOrOpen(1, "t1", engine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func TestBMHFilterMatch(t *testing.T) {
	f := NewBMHFilter([]byte("needle"))
	if !f.Match([]byte("hay needle stack")) {
		t.Fatal("expected match")
	}
	if f.Match([]byte("haystack")) {
		t.Fatal("expected no match")
	}
	if !f.Match([]byte("needle")) {
		t.Fatal("exact match failed")
	}
}

func TestBMHFilterEmptyPatternMatchesAll(t *testing.T) {
	f := NewBMHFilter(nil)
	if !f.Match([]byte("anything")) {
		t.Fatal("empty pattern should match everything")
	}
}

func TestPutThenReadTask(t *testing.T) {
	tbl := newTable(t)
	proxy := reply.NewProxy(4)

	put := &PutTask{Table: tbl, Partsync: true,
		KVs: []protocol.KV{{Key: []byte("a"), Value: []byte("1")}}}
	put.Execute(proxy)
	<-proxy

	rd := &ReadTask{Table: tbl, Keys: [][]byte{[]byte("a"), []byte("missing")}}
	rd.Execute(proxy)
	msg := <-proxy
	if len(msg.Frames) != 3 {
		t.Fatalf("got %d frames want 3", len(msg.Frames))
	}
	if !bytes.Equal(msg.Frames[1], []byte("1")) {
		t.Fatalf("got %q want 1", msg.Frames[1])
	}
	if msg.Frames[2] != nil {
		t.Fatalf("expected nil frame for missing key, got %q", msg.Frames[2])
	}
}

func TestDeleteTask(t *testing.T) {
	tbl := newTable(t)
	proxy := reply.NewProxy(4)
	put := &PutTask{Table: tbl, Fullsync: true, KVs: []protocol.KV{{Key: []byte("a"), Value: []byte("1")}}}
	put.Execute(proxy)
	<-proxy

	del := &DeleteTask{Table: tbl, Keys: [][]byte{[]byte("a")}}
	del.Execute(proxy)
	<-proxy

	_, found, err := tbl.Engine.Get([]byte("a"))
	if err != nil || found {
		t.Fatalf("expected key gone, found=%v err=%v", found, err)
	}
}

func seedRange(t *testing.T, tbl *tablespace.Table) {
	t.Helper()
	b := &engine.WriteBatch{}
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		b.Put([]byte(k), []byte("v-"+k))
	}
	if err := tbl.Engine.Write(b); err != nil {
		t.Fatal(err)
	}
}

func TestScanTaskRange(t *testing.T) {
	tbl := newTable(t)
	seedRange(t, tbl)
	proxy := reply.NewProxy(1)

	scan := &ScanTask{Table: tbl, Start: []byte("b"), End: []byte("e")}
	scan.Execute(proxy)
	msg := <-proxy
	// header + 3 pairs * 2 frames = 7
	if len(msg.Frames) != 7 {
		t.Fatalf("got %d frames want 7", len(msg.Frames))
	}
	if string(msg.Frames[1]) != "b" || string(msg.Frames[3]) != "c" || string(msg.Frames[5]) != "d" {
		t.Fatalf("unexpected keys: %q %q %q", msg.Frames[1], msg.Frames[3], msg.Frames[5])
	}
}

func TestScanTaskValueFilter(t *testing.T) {
	tbl := newTable(t)
	seedRange(t, tbl)
	proxy := reply.NewProxy(1)

	scan := &ScanTask{Table: tbl, ValFilter: []byte("v-c")}
	scan.Execute(proxy)
	msg := <-proxy
	if len(msg.Frames) != 3 {
		t.Fatalf("got %d frames want 3 (header + one pair)", len(msg.Frames))
	}
	if string(msg.Frames[1]) != "c" {
		t.Fatalf("got key %q want c", msg.Frames[1])
	}
}

func TestDeleteRangeTask(t *testing.T) {
	tbl := newTable(t)
	seedRange(t, tbl)
	proxy := reply.NewProxy(1)

	dr := &DeleteRangeTask{Table: tbl, Start: []byte("b"), End: []byte("d")}
	dr.Execute(proxy)
	<-proxy

	for _, k := range []string{"b", "c"} {
		if _, found, _ := tbl.Engine.Get([]byte(k)); found {
			t.Fatalf("expected %q deleted", k)
		}
	}
	if _, found, _ := tbl.Engine.Get([]byte("a")); !found {
		t.Fatal("expected a to survive")
	}
}

func TestCopyRangeTask(t *testing.T) {
	src := newTable(t)
	seedRange(t, src)
	space := tablespace.New(tablespace.WithFactory(memengine.Factory{}))
	dst, err := space.GetOrOpen(2, "t2", engine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	proxy := reply.NewProxy(1)

	cr := &CopyRangeTask{Source: src, Dest: dst, Start: []byte("b"), End: []byte("d")}
	cr.Execute(proxy)
	<-proxy

	for _, k := range []string{"b", "c"} {
		v, found, err := dst.Engine.Get([]byte(k))
		if err != nil || !found {
			t.Fatalf("expected %q copied, found=%v err=%v", k, found, err)
		}
		if string(v) != "v-"+k {
			t.Fatalf("got %q want v-%s", v, k)
		}
	}
}

func TestCountTask(t *testing.T) {
	tbl := newTable(t)
	seedRange(t, tbl)
	proxy := reply.NewProxy(1)

	c := &CountTask{Table: tbl}
	c.Execute(proxy)
	msg := <-proxy
	n := uint64(0)
	for i := 0; i < 8; i++ {
		n |= uint64(msg.Frames[1][i]) << (8 * i)
	}
	if n != 5 {
		t.Fatalf("got %d want 5", n)
	}
}
