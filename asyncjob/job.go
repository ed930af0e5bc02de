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
	"sync"
	"time"

	"github.com/yakdb/yakdb/engine"
	"github.com/yakdb/yakdb/tablespace"
)

// PassiveScanJob is a client-driven range scan: rather than the server
// pushing results unsolicited, the client repeatedly sends
// ClientDataRequest frames naming this job's APID and receives one
// chunk of key/value pairs per request, over a snapshot iterator taken
// once at registration time. chunkSize and the running scan-limit
// budget are both fixed at Init time (spec.md §4.6) and enforced here
// on every pull; ClientDataRequest itself carries nothing but the APID.
//
// Termination is two-phase. Once the iterator is exhausted, the
// scan-limit budget is spent, a pull returns a short (non-full) chunk
// (or the client sends a request asking the job to stop early), the
// job is marked wantsToTerminate but its snapshot and iterator are kept
// alive for GracePeriod so a data request already in flight against
// this APID — raced against the termination — still resolves against
// valid state instead of a closed iterator. Only after the grace period
// has elapsed does the scrub pass mark it hasTerminated and release it.
type PassiveScanJob struct {
	APID  uint64
	Table *tablespace.Table

	mu             sync.Mutex
	snap           engine.Snapshot
	it             engine.Iterator
	reverse        bool
	end            []byte
	chunkSize      int
	limit          uint64 // 0 = unbounded (spec.md default scan-limit of ∞)
	produced       uint64
	wantsTerminate bool
	terminatedAt   time.Time
	hasTerminated  bool
	released       bool
}

// NewPassiveScanJob takes a snapshot of table and opens an iterator
// over [start, end) (or the reversed range when reverse is set). Every
// Produce call returns at most chunkSize pairs and never more than
// limit pairs in total across the job's lifetime (limit == 0 means
// unbounded).
func NewPassiveScanJob(apid uint64, table *tablespace.Table, start, end []byte, reverse bool, chunkSize int, limit uint64) (*PassiveScanJob, error) {
	table.Pin()
	snap, err := table.Engine.NewSnapshot()
	if err != nil {
		table.Unpin()
		return nil, err
	}
	it, err := table.Engine.NewIterator(snap, reverse)
	if err != nil {
		snap.Release()
		table.Unpin()
		return nil, err
	}
	if start == nil && reverse {
		it.SeekToLast()
	} else {
		it.Seek(start)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &PassiveScanJob{
		APID:      apid,
		Table:     table,
		snap:      snap,
		it:        it,
		reverse:   reverse,
		end:       end,
		chunkSize: chunkSize,
		limit:     limit,
	}, nil
}

// DefaultChunkSize is the scan chunk size a ClientSidePassiveTableMapInit
// request gets when it doesn't specify one (spec.md §4.6).
const DefaultChunkSize = 1000

// KV is a single result pair produced by Produce.
type KV struct {
	Key, Value []byte
}

// PullStatus classifies a single Produce call the way spec.md §4.7(2c)
// requires: OK for a full chunk, Partial for a short one, NoData when
// nothing was produced.
type PullStatus int

const (
	PullOK PullStatus = iota
	PullPartial
	PullNoData
)

// Produce returns up to the job's configured chunk size of pairs,
// honoring the running scan-limit budget and the range end, and
// advances the iterator past them. A chunk shorter than chunkSize
// (including an empty one) drains the job: the client has by
// definition reached the end of available data, so the job marks
// itself as wanting to terminate per spec.md §4.7(2d).
func (j *PassiveScanJob) Produce() (pairs []KV, status PullStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.wantsTerminate {
		return nil, PullNoData
	}
	max := j.chunkSize
	if j.limit > 0 {
		remaining := j.limit - j.produced
		if remaining < uint64(max) {
			max = int(remaining)
		}
	}
	for len(pairs) < max && j.it.Valid() {
		key := j.it.Key()
		if !j.reverse && j.end != nil && compareBytes(key, j.end) >= 0 {
			break
		}
		if j.reverse && j.end != nil && compareBytes(key, j.end) < 0 {
			break
		}
		pairs = append(pairs, KV{
			Key:   append([]byte(nil), key...),
			Value: append([]byte(nil), j.it.Value()...),
		})
		j.it.Next()
	}
	j.produced += uint64(len(pairs))
	switch {
	case len(pairs) == 0:
		status = PullNoData
	case len(pairs) < j.chunkSize:
		status = PullPartial
	default:
		status = PullOK
	}
	if status != PullOK {
		j.markWantsTerminateLocked()
	}
	return pairs, status
}

// RequestTermination marks the job as wanting to terminate
// immediately, used when a client explicitly cancels a scan rather
// than letting it run to exhaustion.
func (j *PassiveScanJob) RequestTermination() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.markWantsTerminateLocked()
}

func (j *PassiveScanJob) markWantsTerminateLocked() {
	if j.wantsTerminate {
		return
	}
	j.wantsTerminate = true
	j.terminatedAt = time.Now()
}

// WantsToTerminate reports whether the job has finished producing
// (or was asked to stop) but may still be holding its snapshot open
// during the grace period.
func (j *PassiveScanJob) WantsToTerminate() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wantsTerminate
}

// ReadyToScrub reports whether the job wants to terminate and its
// grace period, measured from the moment it first wanted to
// terminate, has elapsed as of now.
func (j *PassiveScanJob) ReadyToScrub(grace time.Duration, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.wantsTerminate || j.hasTerminated {
		return false
	}
	return now.Sub(j.terminatedAt) >= grace
}

// Release closes the iterator and snapshot and marks the job fully
// terminated. Release is idempotent.
func (j *PassiveScanJob) Release() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.released {
		return
	}
	j.it.Close()
	j.snap.Release()
	j.Table.Unpin()
	j.hasTerminated = true
	j.released = true
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
