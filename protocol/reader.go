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

package protocol

import (
	"encoding/binary"
	"io"
)

// Reader consumes the frames of a single logical message from a Source,
// offering the typed parse primitives the request handlers build on:
// receive-next-frame, expect-more, parse-u32/u64 with an optional
// default for an empty frame, parse-range, parse-key-value pairs, and
// parse-string-map.
type Reader struct {
	src      Source
	lastMore bool
}

// NewReader wraps src for typed, ordered frame consumption.
func NewReader(src Source) *Reader {
	return &Reader{src: src}
}

// Frame reads the next frame's payload. It is a ProtocolError for the
// message to end where a frame was required.
func (r *Reader) Frame() ([]byte, error) {
	data, more, err := r.src.RecvFrame()
	if err != nil {
		if err == io.EOF {
			return nil, protoErrf("Frame", "expected a frame but the message ended")
		}
		return nil, err
	}
	r.lastMore = more
	return data, nil
}

// More reports whether the frame most recently returned by Frame had
// its more-follows bit set.
func (r *Reader) More() bool { return r.lastMore }

// ExpectMore fails with a ProtocolError if the frame just read did not
// have its more-follows bit set, i.e. the message ended prematurely.
func (r *Reader) ExpectMore() error {
	if !r.lastMore {
		return protoErrf("ExpectMore", "message ended where more frames were required")
	}
	return nil
}

// Drain consumes and discards any remaining frames of the message, used
// when a handler bails out early after a parse error so the next
// message on the socket starts cleanly.
func (r *Reader) Drain() {
	for r.lastMore {
		if _, err := r.Frame(); err != nil {
			return
		}
	}
}

// Uint32 parses the next frame as a little-endian uint32. An empty
// frame yields def.
func (r *Reader) Uint32(def uint32) (uint32, error) {
	data, err := r.Frame()
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return def, nil
	}
	if len(data) != 4 {
		return 0, protoErrf("Uint32", "expected 0 or 4 bytes, got %d", len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}

// Uint64 parses the next frame as a little-endian uint64. An empty
// frame yields def.
func (r *Reader) Uint64(def uint64) (uint64, error) {
	data, err := r.Frame()
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return def, nil
	}
	if len(data) != 8 {
		return 0, protoErrf("Uint64", "expected 0 or 8 bytes, got %d", len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}

// Range is two consecutive frames, start and end, either of which may
// be empty to denote an unbounded side of the range.
type Range struct {
	Start []byte
	End   []byte
}

// Range parses a two-frame range: start, then end.
func (r *Reader) Range() (Range, error) {
	start, err := r.Frame()
	if err != nil {
		return Range{}, err
	}
	if err := r.ExpectMore(); err != nil {
		return Range{}, err
	}
	end, err := r.Frame()
	if err != nil {
		return Range{}, err
	}
	return Range{Start: start, End: end}, nil
}

// KV is a single key/value pair as read from the wire.
type KV struct {
	Key   []byte
	Value []byte
}

// KeyValues reads (key, value) frame pairs until the message ends.
// The caller must have already consumed any preceding frames (e.g. the
// table-id) and must be positioned so that More() is still true, or the
// message is empty and no pairs are returned.
func (r *Reader) KeyValues() ([]KV, error) {
	var out []KV
	for r.More() {
		key, err := r.Frame()
		if err != nil {
			return nil, err
		}
		if err := r.ExpectMore(); err != nil {
			return nil, err
		}
		value, err := r.Frame()
		if err != nil {
			return nil, err
		}
		out = append(out, KV{Key: key, Value: value})
	}
	return out, nil
}

// Keys reads single-key frames until the message ends (used by Read,
// Exists, and Delete, which carry a flat list of key frames rather than
// key/value pairs).
func (r *Reader) Keys() ([][]byte, error) {
	var out [][]byte
	for r.More() {
		key, err := r.Frame()
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

// StringMap reads alternating key/value string frames until the
// message ends, used for table-open options.
func (r *Reader) StringMap() (map[string]string, error) {
	kvs, err := r.KeyValues()
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = string(kv.Value)
	}
	return m, nil
}
