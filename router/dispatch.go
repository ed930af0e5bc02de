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

// Package router implements the Main Router: the task that owns the
// external client-facing socket, classifies and dispatches each
// incoming message to the right worker pool or serialized server, and
// forwards every reply.Message produced anywhere in the system back
// onto that socket. Confining the socket to one goroutine is what
// makes the response-proxy channel (package reply) necessary: workers
// never touch the socket directly.
package router

import (
	"fmt"

	"github.com/yakdb/yakdb/asyncjob"
	"github.com/yakdb/yakdb/protocol"
	"github.com/yakdb/yakdb/reply"
	"github.com/yakdb/yakdb/tableadmin"
	"github.com/yakdb/yakdb/tablespace"
	"github.com/yakdb/yakdb/workers"
)

// Deps bundles the collaborators Dispatch needs to turn a parsed
// request into work submitted to the right place.
type Deps struct {
	Space      *tablespace.Tablespace
	UpdatePool *workers.Pool
	ReadPool   *workers.Pool
	Admin      chan<- tableadmin.Request
	Async      chan<- asyncjob.Request
	Proxy      reply.Proxy
	ServerInfo func() []byte // builds the ServerInfo reply body frame
}

// Dispatch parses the body of a single incoming message (everything
// after the header frame) and routes it to the matching pool or
// serialized server. env is the ROUTER-socket addressing envelope
// captured by the caller so replies can find their way back.
func Dispatch(h protocol.Header, env reply.Envelope, r *protocol.Reader, d Deps) error {
	switch {
	case h.Opcode == protocol.OpServerInfo:
		d.Proxy.Send(reply.Message{
			Envelope: env,
			Frames:   [][]byte{protocol.WriteHeader(protocol.OpServerInfo, protocol.StatusOK, h.Tail), d.ServerInfo()},
		})
		return nil
	case h.Opcode.IsDataProcessing():
		return dispatchAsync(h, env, r, d)
	case h.Opcode == protocol.OpOpenTable, h.Opcode == protocol.OpCloseTable,
		h.Opcode == protocol.OpTruncateTable, h.Opcode == protocol.OpStopServer:
		return dispatchAdmin(h, env, r, d)
	case h.Opcode == protocol.OpRead, h.Opcode == protocol.OpExists,
		h.Opcode == protocol.OpCount, h.Opcode == protocol.OpScan:
		return dispatchRead(h, env, r, d)
	case h.Opcode == protocol.OpPut, h.Opcode == protocol.OpDelete,
		h.Opcode == protocol.OpDeleteRange, h.Opcode == protocol.OpCopyRange,
		h.Opcode == protocol.OpCompactTable:
		return dispatchUpdate(h, env, r, d)
	default:
		d.Proxy.Send(reply.Message{
			Envelope: env,
			Frames:   protocol.ErrorFrames(h.Opcode, protocol.StatusUnknownRequest, h.Tail, fmt.Sprintf("unknown opcode 0x%02x", byte(h.Opcode))),
		})
		return nil
	}
}

func tableAndErr(d Deps, id uint32) (*tablespace.Table, bool) {
	t, ok := d.Space.Lookup(id)
	return t, ok
}

func dispatchUpdate(h protocol.Header, env reply.Envelope, r *protocol.Reader, d Deps) error {
	tableID, err := r.Uint32(0)
	if err != nil {
		return err
	}
	tbl, ok := tableAndErr(d, tableID)
	if !ok {
		d.Proxy.Send(errReply(h, env, fmt.Sprintf("table %d is not open", tableID)))
		return nil
	}

	flags := h.Flags()
	switch h.Opcode {
	case protocol.OpPut:
		kvs, err := r.KeyValues()
		if err != nil {
			return err
		}
		d.UpdatePool.Submit(&workers.PutTask{
			Envelope: env, Tail: h.Tail, Table: tbl, KVs: kvs,
			Merge:    tbl.Options.MergeOperatorCode.IsMergeRequired(),
			Partsync: flags&protocol.FlagPartsync != 0,
			Fullsync: flags&protocol.FlagFullsync != 0,
		})
	case protocol.OpDelete:
		keys, err := r.Keys()
		if err != nil {
			return err
		}
		d.UpdatePool.Submit(&workers.DeleteTask{Envelope: env, Tail: h.Tail, Table: tbl, Keys: keys})
	case protocol.OpDeleteRange:
		rg, err := r.Range()
		if err != nil {
			return err
		}
		d.UpdatePool.Submit(&workers.DeleteRangeTask{Envelope: env, Tail: h.Tail, Table: tbl, Start: rg.Start, End: rg.End})
	case protocol.OpCopyRange:
		destID, err := r.Uint32(tableID)
		if err != nil {
			return err
		}
		dest, ok := tableAndErr(d, destID)
		if !ok {
			d.Proxy.Send(errReply(h, env, fmt.Sprintf("table %d is not open", destID)))
			return nil
		}
		rg, err := r.Range()
		if err != nil {
			return err
		}
		d.UpdatePool.Submit(&workers.CopyRangeTask{Envelope: env, Tail: h.Tail, Source: tbl, Dest: dest, Start: rg.Start, End: rg.End})
	case protocol.OpCompactTable:
		rg, err := r.Range()
		if err != nil {
			return err
		}
		d.UpdatePool.Submit(&workers.CompactTask{Envelope: env, Tail: h.Tail, Table: tbl, Start: rg.Start, End: rg.End})
	}
	return nil
}

func dispatchRead(h protocol.Header, env reply.Envelope, r *protocol.Reader, d Deps) error {
	tableID, err := r.Uint32(0)
	if err != nil {
		return err
	}
	tbl, ok := tableAndErr(d, tableID)
	if !ok {
		d.Proxy.Send(errReply(h, env, fmt.Sprintf("table %d is not open", tableID)))
		return nil
	}

	switch h.Opcode {
	case protocol.OpRead:
		keys, err := r.Keys()
		if err != nil {
			return err
		}
		d.ReadPool.Submit(&workers.ReadTask{Envelope: env, Tail: h.Tail, Table: tbl, Keys: keys})
	case protocol.OpExists:
		keys, err := r.Keys()
		if err != nil {
			return err
		}
		d.ReadPool.Submit(&workers.ExistsTask{Envelope: env, Tail: h.Tail, Table: tbl, Keys: keys})
	case protocol.OpCount:
		rg, err := r.Range()
		if err != nil {
			return err
		}
		d.ReadPool.Submit(&workers.CountTask{Envelope: env, Tail: h.Tail, Table: tbl, Start: rg.Start, End: rg.End})
	case protocol.OpScan:
		rg, err := r.Range()
		if err != nil {
			return err
		}
		limit, err := r.Uint64(0)
		if err != nil {
			return err
		}
		keyFilter, err := r.Frame()
		if err != nil {
			return err
		}
		valFilter, err := r.Frame()
		if err != nil {
			return err
		}
		d.ReadPool.Submit(&workers.ScanTask{
			Envelope: env, Tail: h.Tail, Table: tbl, Start: rg.Start, End: rg.End,
			Reverse:   h.Flags()&protocol.FlagReverse != 0,
			Limit:     limit,
			KeyFilter: keyFilter,
			ValFilter: valFilter,
		})
	}
	return nil
}

func dispatchAdmin(h protocol.Header, env reply.Envelope, r *protocol.Reader, d Deps) error {
	tableID, err := r.Uint32(0)
	if err != nil {
		return err
	}
	op := tableadmin.OpClose
	switch h.Opcode {
	case protocol.OpOpenTable:
		op = tableadmin.OpOpen
	case protocol.OpCloseTable:
		op = tableadmin.OpClose
	case protocol.OpTruncateTable:
		op = tableadmin.OpTruncate
	}
	var wireOpts map[string]string
	if h.Opcode == protocol.OpOpenTable {
		wireOpts, err = r.StringMap()
		if err != nil {
			return err
		}
	}
	replyCh := make(chan tableadmin.Result, 1)
	d.Admin <- tableadmin.Request{Op: op, TableID: tableID, WireOpts: wireOpts, Reply: replyCh}
	go func() {
		res := <-replyCh
		status := byte(protocol.AdminStatusOK)
		if res.Err != nil {
			status = protocol.AdminStatusEngineError
		}
		d.Proxy.Send(reply.Message{
			Envelope: env,
			Frames:   [][]byte{protocol.WriteHeader(h.Opcode, status, h.Tail)},
		})
	}()
	return nil
}

func dispatchAsync(h protocol.Header, env reply.Envelope, r *protocol.Reader, d Deps) error {
	switch h.Opcode {
	case protocol.OpClientSidePassiveInit:
		// Wire payload per spec.md §4.6/§6: table-id, chunk-size (u32,
		// default 1000), scan-limit (u64, default 0 meaning unbounded),
		// then the range. chunk-size and scan-limit are fixed for the
		// job's whole lifetime here, not re-read on every pull.
		tableID, err := r.Uint32(0)
		if err != nil {
			return err
		}
		tbl, ok := tableAndErr(d, tableID)
		if !ok {
			d.Proxy.Send(errReply(h, env, fmt.Sprintf("table %d is not open", tableID)))
			return nil
		}
		chunk, err := r.Uint32(asyncjob.DefaultChunkSize)
		if err != nil {
			return err
		}
		scanLimit, err := r.Uint64(0)
		if err != nil {
			return err
		}
		rg, err := r.Range()
		if err != nil {
			return err
		}
		replyCh := make(chan asyncjob.Response, 1)
		d.Async <- asyncjob.Request{
			Op: asyncjob.OpInit, Table: tbl, Start: rg.Start, End: rg.End,
			Reverse: h.Flags()&protocol.FlagReverse != 0,
			ChunkSize: int(chunk), Limit: scanLimit, Reply: replyCh,
		}
		go func() {
			res := <-replyCh
			status := byte(protocol.StatusOK)
			if res.Err != nil {
				status = protocol.StatusEngineError
			}
			apidFrame := make([]byte, 8)
			putUint64LE(apidFrame, res.APID)
			d.Proxy.Send(reply.Message{
				Envelope: env,
				Frames:   [][]byte{protocol.WriteHeader(h.Opcode, status, h.Tail), apidFrame},
			})
		}()
		return nil
	case protocol.OpClientDataRequest:
		// Wire payload per spec.md §4.6/§6: APID (u64) only. Chunk size
		// and scan-limit were already fixed at Init time.
		apid, err := r.Uint64(0)
		if err != nil {
			return err
		}
		replyCh := make(chan asyncjob.Response, 1)
		d.Async <- asyncjob.Request{Op: asyncjob.OpDataRequest, APID: apid, Reply: replyCh}
		go func() {
			res := <-replyCh
			status := byte(protocol.StatusOK)
			switch {
			case res.Err != nil:
				status = protocol.StatusEngineError
			case res.Status == asyncjob.PullPartial:
				status = protocol.StatusPartial
			case res.Status == asyncjob.PullNoData:
				status = protocol.StatusNoData
			}
			frames := make([][]byte, 0, len(res.Pairs)*2+1)
			frames = append(frames, protocol.WriteHeader(h.Opcode, status, h.Tail))
			for _, kv := range res.Pairs {
				frames = append(frames, kv.Key, kv.Value)
			}
			d.Proxy.Send(reply.Message{Envelope: env, Frames: frames})
		}()
		return nil
	default:
		d.Proxy.Send(reply.Message{
			Envelope: env,
			Frames:   protocol.ErrorFrames(h.Opcode, protocol.StatusUnknownRequest, h.Tail, fmt.Sprintf("unhandled async opcode 0x%02x", byte(h.Opcode))),
		})
		return nil
	}
}

func errReply(h protocol.Header, env reply.Envelope, msg string) reply.Message {
	return reply.Message{
		Envelope: env,
		Frames:   protocol.ErrorFrames(h.Opcode, protocol.StatusGenericError, h.Tail, msg),
	}
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
