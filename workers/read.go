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
	"github.com/yakdb/yakdb/engine"
	"github.com/yakdb/yakdb/protocol"
	"github.com/yakdb/yakdb/reply"
	"github.com/yakdb/yakdb/tablespace"
)

// ReadTask reads a flat list of keys from a table, returning a value
// frame per key (empty frame for a missing key, matching Get's
// found=false case).
type ReadTask struct {
	Envelope reply.Envelope
	Tail     []byte
	Table    *tablespace.Table
	Keys     [][]byte
}

func (t *ReadTask) Execute(proxy reply.Proxy) {
	t.Table.Pin()
	defer t.Table.Unpin()

	frames := make([][]byte, 0, len(t.Keys)+1)
	frames = append(frames, protocol.WriteHeader(protocol.OpRead, protocol.StatusOK, t.Tail))
	for _, k := range t.Keys {
		v, found, err := t.Table.Engine.Get(k)
		if err != nil || !found {
			frames = append(frames, nil)
			continue
		}
		frames = append(frames, v)
	}
	t.Table.Touch()
	proxy.Send(reply.Message{Envelope: t.Envelope, Frames: frames})
}

// ExistsTask reports, for each key, whether it is present.
type ExistsTask struct {
	Envelope reply.Envelope
	Tail     []byte
	Table    *tablespace.Table
	Keys     [][]byte
}

func (t *ExistsTask) Execute(proxy reply.Proxy) {
	t.Table.Pin()
	defer t.Table.Unpin()

	frames := make([][]byte, 0, len(t.Keys)+1)
	frames = append(frames, protocol.WriteHeader(protocol.OpExists, protocol.StatusOK, t.Tail))
	for _, k := range t.Keys {
		_, found, _ := t.Table.Engine.Get(k)
		if found {
			frames = append(frames, []byte{1})
		} else {
			frames = append(frames, []byte{0})
		}
	}
	t.Table.Touch()
	proxy.Send(reply.Message{Envelope: t.Envelope, Frames: frames})
}

// CountTask counts the keys in [Start, End) over a consistent
// snapshot.
type CountTask struct {
	Envelope reply.Envelope
	Tail     []byte
	Table    *tablespace.Table
	Start    []byte
	End      []byte
}

func (t *CountTask) Execute(proxy reply.Proxy) {
	t.Table.Pin()
	defer t.Table.Unpin()

	status := byte(protocol.StatusOK)
	var n uint64
	snap, err := t.Table.Engine.NewSnapshot()
	if err != nil {
		status = protocol.StatusEngineError
	} else {
		defer snap.Release()
		it, err2 := t.Table.Engine.NewIterator(snap, false)
		if err2 != nil {
			status = protocol.StatusEngineError
		} else {
			defer it.Close()
			for it.Seek(t.Start); it.Valid(); it.Next() {
				if t.End != nil && cmp(it.Key(), t.End) >= 0 {
					break
				}
				n++
			}
		}
	}
	t.Table.Touch()
	countFrame := make([]byte, 8)
	putUint64LE(countFrame, n)
	proxy.Send(reply.Message{
		Envelope: t.Envelope,
		Frames:   [][]byte{protocol.WriteHeader(protocol.OpCount, status, t.Tail), countFrame},
	})
}

// ScanTask walks a key range over a consistent snapshot, optionally
// reversed, optionally filtered by a key and/or value substring,
// returning up to Limit key/value pairs (0 = unbounded).
type ScanTask struct {
	Envelope   reply.Envelope
	Tail       []byte
	Table      *tablespace.Table
	Start      []byte
	End        []byte
	Reverse    bool
	Limit      uint64
	KeyFilter  []byte
	ValFilter  []byte
}

func (t *ScanTask) Execute(proxy reply.Proxy) {
	t.Table.Pin()
	defer t.Table.Unpin()

	status := byte(protocol.StatusOK)
	var frames [][]byte
	snap, err := t.Table.Engine.NewSnapshot()
	if err != nil {
		status = protocol.StatusEngineError
	} else {
		defer snap.Release()
		it, err2 := t.Table.Engine.NewIterator(snap, t.Reverse)
		if err2 != nil {
			status = protocol.StatusEngineError
		} else {
			defer it.Close()
			frames = t.collect(it)
		}
	}
	t.Table.Touch()
	out := make([][]byte, 0, len(frames)+1)
	out = append(out, protocol.WriteHeader(protocol.OpScan, status, t.Tail))
	out = append(out, frames...)
	proxy.Send(reply.Message{Envelope: t.Envelope, Frames: out})
}

func (t *ScanTask) collect(it engine.Iterator) [][]byte {
	var keyFilter, valFilter *BMHFilter
	if len(t.KeyFilter) > 0 {
		keyFilter = NewBMHFilter(t.KeyFilter)
	}
	if len(t.ValFilter) > 0 {
		valFilter = NewBMHFilter(t.ValFilter)
	}

	if t.Start == nil && t.Reverse {
		it.SeekToLast()
	} else {
		it.Seek(t.Start)
	}

	var frames [][]byte
	var n uint64
	for ; it.Valid(); it.Next() {
		key, val := it.Key(), it.Value()
		if !t.Reverse && t.End != nil && cmp(key, t.End) >= 0 {
			break
		}
		if t.Reverse && t.End != nil && cmp(key, t.End) < 0 {
			break
		}
		if keyFilter != nil && !keyFilter.Match(key) {
			continue
		}
		if valFilter != nil && !valFilter.Match(val) {
			continue
		}
		frames = append(frames, append([]byte(nil), key...), append([]byte(nil), val...))
		n++
		if t.Limit > 0 && n >= t.Limit {
			break
		}
	}
	return frames
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
