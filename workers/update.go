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
	"sync"

	"github.com/yakdb/yakdb/engine"
	"github.com/yakdb/yakdb/protocol"
	"github.com/yakdb/yakdb/reply"
	"github.com/yakdb/yakdb/tablespace"
)

// batchPool recycles WriteBatch backing slices across Put/Delete
// requests, since every request builds exactly one batch and discards
// it once the engine write returns.
var batchPool = sync.Pool{
	New: func() interface{} { return &engine.WriteBatch{} },
}

func getBatch() *engine.WriteBatch {
	return batchPool.Get().(*engine.WriteBatch)
}

func putBatch(b *engine.WriteBatch) {
	b.Ops = b.Ops[:0]
	b.Sync = false
	batchPool.Put(b)
}

// PutTask applies a batch of Put/Merge operations to a table.
type PutTask struct {
	Envelope reply.Envelope
	Tail     []byte
	Table    *tablespace.Table
	KVs      []protocol.KV
	Merge    bool
	Partsync bool
	Fullsync bool
}

func (t *PutTask) Execute(proxy reply.Proxy) {
	t.Table.Pin()
	defer t.Table.Unpin()

	batch := getBatch()
	defer putBatch(batch)
	kind := engine.OpPut
	if t.Merge {
		kind = engine.OpMerge
	}
	for _, kv := range t.KVs {
		batch.Ops = append(batch.Ops, engine.Op{Kind: kind, Key: kv.Key, Value: kv.Value})
	}
	batch.Sync = t.Fullsync

	status := byte(protocol.StatusOK)
	if err := t.Table.Engine.Write(batch); err != nil {
		status = protocol.StatusEngineError
	}
	t.Table.Touch()

	if !t.Partsync && !t.Fullsync {
		// Neither sync flag set: the request wanted no acknowledgment.
		return
	}
	proxy.Send(reply.Message{
		Envelope: t.Envelope,
		Frames:   [][]byte{protocol.WriteHeader(protocol.OpPut, status, t.Tail)},
	})
}

// DeleteTask removes a flat list of keys from a table.
type DeleteTask struct {
	Envelope reply.Envelope
	Tail     []byte
	Table    *tablespace.Table
	Keys     [][]byte
}

func (t *DeleteTask) Execute(proxy reply.Proxy) {
	t.Table.Pin()
	defer t.Table.Unpin()

	batch := getBatch()
	defer putBatch(batch)
	for _, k := range t.Keys {
		batch.Ops = append(batch.Ops, engine.Op{Kind: engine.OpDelete, Key: k})
	}
	status := byte(protocol.StatusOK)
	if err := t.Table.Engine.Write(batch); err != nil {
		status = protocol.StatusEngineError
	}
	t.Table.Touch()
	proxy.Send(reply.Message{
		Envelope: t.Envelope,
		Frames:   [][]byte{protocol.WriteHeader(protocol.OpDelete, status, t.Tail)},
	})
}

// DeleteRangeTask removes every key in [Start, End) from a table via a
// single snapshot iterator pass, so the set of keys deleted is fixed
// at the moment the range request is serviced even if concurrent Puts
// race with the scan.
type DeleteRangeTask struct {
	Envelope reply.Envelope
	Tail     []byte
	Table    *tablespace.Table
	Start    []byte
	End      []byte
}

func (t *DeleteRangeTask) Execute(proxy reply.Proxy) {
	t.Table.Pin()
	defer t.Table.Unpin()

	status := byte(protocol.StatusOK)
	if err := deleteRange(t.Table.Engine, t.Start, t.End); err != nil {
		status = protocol.StatusEngineError
	}
	t.Table.Touch()
	proxy.Send(reply.Message{
		Envelope: t.Envelope,
		Frames:   [][]byte{protocol.WriteHeader(protocol.OpDeleteRange, status, t.Tail)},
	})
}

func deleteRange(e engine.Engine, start, end []byte) error {
	snap, err := e.NewSnapshot()
	if err != nil {
		return err
	}
	defer snap.Release()
	it, err := e.NewIterator(snap, false)
	if err != nil {
		return err
	}
	defer it.Close()

	batch := &engine.WriteBatch{}
	for it.Seek(start); it.Valid(); it.Next() {
		if end != nil && cmp(it.Key(), end) >= 0 {
			break
		}
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if batch.Len() == 0 {
		return nil
	}
	return e.Write(batch)
}

// CopyRangeTask copies every key in [Start, End) from one table into
// another, preserving keys (optionally with DestPrefix substituted for
// whatever prefix the source keys had, when SourcePrefixLen > 0).
type CopyRangeTask struct {
	Envelope        reply.Envelope
	Tail            []byte
	Source          *tablespace.Table
	Dest            *tablespace.Table
	Start           []byte
	End             []byte
	SourcePrefixLen int
	DestPrefix      []byte
}

func (t *CopyRangeTask) Execute(proxy reply.Proxy) {
	t.Source.Pin()
	defer t.Source.Unpin()
	t.Dest.Pin()
	defer t.Dest.Unpin()

	status := byte(protocol.StatusOK)
	if err := t.copy(); err != nil {
		status = protocol.StatusEngineError
	}
	t.Source.Touch()
	t.Dest.Touch()
	proxy.Send(reply.Message{
		Envelope: t.Envelope,
		Frames:   [][]byte{protocol.WriteHeader(protocol.OpCopyRange, status, t.Tail)},
	})
}

func (t *CopyRangeTask) copy() error {
	snap, err := t.Source.Engine.NewSnapshot()
	if err != nil {
		return err
	}
	defer snap.Release()
	it, err := t.Source.Engine.NewIterator(snap, false)
	if err != nil {
		return err
	}
	defer it.Close()

	batch := &engine.WriteBatch{}
	for it.Seek(t.Start); it.Valid(); it.Next() {
		if t.End != nil && cmp(it.Key(), t.End) >= 0 {
			break
		}
		key := it.Key()
		if t.SourcePrefixLen > 0 && t.SourcePrefixLen <= len(key) {
			rewritten := make([]byte, 0, len(t.DestPrefix)+len(key)-t.SourcePrefixLen)
			rewritten = append(rewritten, t.DestPrefix...)
			rewritten = append(rewritten, key[t.SourcePrefixLen:]...)
			key = rewritten
		} else {
			key = append([]byte(nil), key...)
		}
		batch.Put(key, append([]byte(nil), it.Value()...))
	}
	if batch.Len() == 0 {
		return nil
	}
	return t.Dest.Engine.Write(batch)
}

// CompactTask compacts a key range, replying once the engine's Compact
// call returns.
type CompactTask struct {
	Envelope reply.Envelope
	Tail     []byte
	Table    *tablespace.Table
	Start    []byte
	End      []byte
}

func (t *CompactTask) Execute(proxy reply.Proxy) {
	status := byte(protocol.StatusOK)
	if err := t.Table.Engine.Compact(t.Start, t.End); err != nil {
		status = protocol.StatusEngineError
	}
	proxy.Send(reply.Message{
		Envelope: t.Envelope,
		Frames:   [][]byte{protocol.WriteHeader(protocol.OpCompactTable, status, t.Tail)},
	})
}

func cmp(a, b []byte) int {
	if a == nil {
		return -1
	}
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
