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

package asyncjob

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/yakdb/yakdb/engine"
	"github.com/yakdb/yakdb/engine/memengine"
	"github.com/yakdb/yakdb/tablespace"
)

func TestAPIDCounterMonotoneAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apid")
	c, err := OpenAPIDCounter(path)
	if err != nil {
		t.Fatal(err)
	}
	a, err := c.Next()
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Next()
	if err != nil {
		t.Fatal(err)
	}
	if b != a+1 {
		t.Fatalf("expected monotone increase, got %d then %d", a, b)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c2, err := OpenAPIDCounter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	next, err := c2.Next()
	if err != nil {
		t.Fatal(err)
	}
	if next != b+1 {
		t.Fatalf("expected counter to resume at %d, got %d", b+1, next)
	}
}

func TestAPIDCounterExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apid")
	c, err := OpenAPIDCounter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := OpenAPIDCounter(path); err == nil {
		t.Fatal("expected second open of a locked counter file to fail")
	}
}

func newTable(t *testing.T) *tablespace.Table {
	t.Helper()
	space := tablespace.New(tablespace.WithFactory(memengine.Factory{}))
	tbl, err := space.GetOrOpen(1, "t1", engine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func seed(t *testing.T, tbl *tablespace.Table) {
	t.Helper()
	b := &engine.WriteBatch{}
	for _, k := range []string{"a", "b", "c"} {
		b.Put([]byte(k), []byte("v-"+k))
	}
	if err := tbl.Engine.Write(b); err != nil {
		t.Fatal(err)
	}
}

// TestPassiveScanJobProducesOKThenPartialThenNoData exercises
// spec.md §8 testable scenario 5: an open range, chunk=2, on the
// seeded keys a, b, c yields OK (2 pairs), Partial (1 pair),
// then NoData, and the job terminates after the short chunk.
func TestPassiveScanJobProducesOKThenPartialThenNoData(t *testing.T) {
	tbl := newTable(t)
	seed(t, tbl)
	job, err := NewPassiveScanJob(1, tbl, nil, nil, false, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer job.Release()

	pairs, status := job.Produce()
	if status != PullOK {
		t.Fatalf("got status %v want PullOK", status)
	}
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs want 2", len(pairs))
	}
	if job.WantsToTerminate() {
		t.Fatal("should not want to terminate after a full chunk")
	}

	pairs2, status2 := job.Produce()
	if status2 != PullPartial {
		t.Fatalf("got status %v want PullPartial", status2)
	}
	if len(pairs2) != 1 {
		t.Fatalf("got %d pairs want 1", len(pairs2))
	}
	if !job.WantsToTerminate() {
		t.Fatal("short chunk should mark the job as wanting to terminate")
	}

	pairs3, status3 := job.Produce()
	if status3 != PullNoData || len(pairs3) != 0 {
		t.Fatalf("got %d pairs status %v, want 0 pairs PullNoData", len(pairs3), status3)
	}
}

func TestPassiveScanJobRespectsScanLimit(t *testing.T) {
	tbl := newTable(t)
	seed(t, tbl)
	// chunk size 10 but scan-limit 2: the limit truncates the first
	// pull to a short (Partial) chunk even though more keys remain.
	job, err := NewPassiveScanJob(1, tbl, nil, nil, false, 10, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer job.Release()

	pairs, status := job.Produce()
	if status != PullPartial {
		t.Fatalf("got status %v want PullPartial", status)
	}
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs want 2", len(pairs))
	}
}

func TestPassiveScanJobGracePeriod(t *testing.T) {
	tbl := newTable(t)
	seed(t, tbl)
	job, err := NewPassiveScanJob(1, tbl, nil, nil, false, DefaultChunkSize, 0)
	if err != nil {
		t.Fatal(err)
	}
	job.RequestTermination()
	now := time.Now()
	if job.ReadyToScrub(time.Second, now) {
		t.Fatal("should not be ready to scrub immediately")
	}
	if !job.ReadyToScrub(time.Second, now.Add(2*time.Second)) {
		t.Fatal("should be ready to scrub after grace period")
	}
	job.Release()
}

func TestRouterAtMostOneJobPerAPID(t *testing.T) {
	tbl := newTable(t)
	seed(t, tbl)
	counter, err := OpenAPIDCounter(filepath.Join(t.TempDir(), "apid"))
	if err != nil {
		t.Fatal(err)
	}
	defer counter.Close()

	r := NewRouter(counter, WithGracePeriod(10*time.Millisecond), WithForcedScrubInterval(time.Hour))
	go r.Run()
	defer r.Stop()

	reply1 := make(chan Response, 1)
	r.Requests() <- Request{Op: OpInit, Table: tbl, Reply: reply1}
	res1 := <-reply1
	if res1.Err != nil {
		t.Fatal(res1.Err)
	}

	reply2 := make(chan Response, 1)
	r.Requests() <- Request{Op: OpInit, Table: tbl, Reply: reply2}
	res2 := <-reply2
	if res2.Err != nil {
		t.Fatal(res2.Err)
	}
	if res1.APID == res2.APID {
		t.Fatal("expected distinct APIDs for distinct jobs")
	}
}

func TestRouterDataRequestAndScrub(t *testing.T) {
	tbl := newTable(t)
	seed(t, tbl)
	counter, err := OpenAPIDCounter(filepath.Join(t.TempDir(), "apid"))
	if err != nil {
		t.Fatal(err)
	}
	defer counter.Close()

	r := NewRouter(counter, WithGracePeriod(5*time.Millisecond), WithForcedScrubInterval(time.Hour))
	go r.Run()
	defer r.Stop()

	initReply := make(chan Response, 1)
	r.Requests() <- Request{Op: OpInit, Table: tbl, ChunkSize: 10, Reply: initReply}
	apid := (<-initReply).APID

	dataReply := make(chan Response, 1)
	r.Requests() <- Request{Op: OpDataRequest, APID: apid, Reply: dataReply}
	res := <-dataReply
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if len(res.Pairs) != 3 || res.Status != PullPartial {
		t.Fatalf("expected all 3 pairs and a short (partial) chunk, got %d pairs status=%v", len(res.Pairs), res.Status)
	}

	time.Sleep(20 * time.Millisecond)
	// The drained job has no more data, so this probe gets a NoData
	// reply; the deferred Stop scrubs the job on the way out.
	probe := make(chan Response, 1)
	r.Requests() <- Request{Op: OpDataRequest, APID: apid, Reply: probe}
	<-probe
}
