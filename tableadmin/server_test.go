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
	"testing"

	"github.com/yakdb/yakdb/engine"
	"github.com/yakdb/yakdb/engine/memengine"
	"github.com/yakdb/yakdb/tablespace"
)

func newTestServer(t *testing.T) (*Server, *tablespace.Tablespace) {
	t.Helper()
	space := tablespace.New(tablespace.WithFactory(memengine.Factory{}), tablespace.WithRootDir(t.TempDir()))
	srv := NewServer(space, memengine.Factory{})
	go srv.Run()
	t.Cleanup(srv.Stop)
	return srv, space
}

func doReq(t *testing.T, srv *Server, req Request) Result {
	t.Helper()
	reply := make(chan Result, 1)
	req.Reply = reply
	srv.Requests() <- req
	return <-reply
}

func TestOpenPersistsConfig(t *testing.T) {
	srv, _ := newTestServer(t)
	res := doReq(t, srv, Request{
		Op:       OpOpen,
		TableID:  1,
		Name:     "t1",
		WireOpts: map[string]string{"mergeOperator": "int64add"},
	})
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Table.Options.MergeOperatorCode != engine.MergeInt64Add {
		t.Fatalf("got %v want int64add", res.Table.Options.MergeOperatorCode)
	}

	// Close and reopen without options: persisted config should win.
	if res := doReq(t, srv, Request{Op: OpClose, TableID: 1}); res.Err != nil {
		t.Fatal(res.Err)
	}
	res2 := doReq(t, srv, Request{Op: OpOpen, TableID: 1, Name: "t1"})
	if res2.Err != nil {
		t.Fatal(res2.Err)
	}
	if res2.Table.Options.MergeOperatorCode != engine.MergeInt64Add {
		t.Fatalf("persisted config lost: got %v", res2.Table.Options.MergeOperatorCode)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)
	a := doReq(t, srv, Request{Op: OpOpen, TableID: 1, Name: "t1"})
	b := doReq(t, srv, Request{Op: OpOpen, TableID: 1, Name: "t1"})
	if a.Err != nil || b.Err != nil {
		t.Fatal(a.Err, b.Err)
	}
	if a.Table != b.Table {
		t.Fatal("expected the same handle on repeated Open")
	}
}

func TestTruncateThenReopenIsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	res := doReq(t, srv, Request{Op: OpOpen, TableID: 1, Name: "t1"})
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	b := &engine.WriteBatch{}
	b.Put([]byte("k"), []byte("v"))
	if err := res.Table.Engine.Write(b); err != nil {
		t.Fatal(err)
	}

	if res := doReq(t, srv, Request{Op: OpTruncate, TableID: 1}); res.Err != nil {
		t.Fatal(res.Err)
	}

	res2 := doReq(t, srv, Request{Op: OpOpen, TableID: 1, Name: "t1"})
	if res2.Err != nil {
		t.Fatal(res2.Err)
	}
	_, found, err := res2.Table.Engine.Get([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected table to be empty after truncate")
	}
}

func TestTruncateNeverOpenedIsNoop(t *testing.T) {
	srv, _ := newTestServer(t)
	if res := doReq(t, srv, Request{Op: OpTruncate, TableID: 42}); res.Err != nil {
		t.Fatal(res.Err)
	}
}
