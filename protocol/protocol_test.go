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
	"bytes"
	"encoding/binary"
	"testing"
)

func TestParseHeader(t *testing.T) {
	cases := []struct {
		name    string
		in      []byte
		wantErr bool
	}{
		{"too short", []byte{Magic, Version}, true},
		{"bad magic", []byte{0x00, Version, byte(OpRead)}, true},
		{"bad version", []byte{Magic, 0x02, byte(OpRead)}, true},
		{"minimal ok", []byte{Magic, Version, byte(OpServerInfo)}, false},
		{"with tail", []byte{Magic, Version, byte(OpRead), 0xAA, 0xBB}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h, err := ParseHeader(c.in)
			if (err != nil) != c.wantErr {
				t.Fatalf("ParseHeader(%v) error=%v, wantErr=%v", c.in, err, c.wantErr)
			}
			if err == nil && len(c.in) > 3 && !bytes.Equal(h.Tail, c.in[3:]) {
				t.Fatalf("tail mismatch: got %v want %v", h.Tail, c.in[3:])
			}
		})
	}
}

// TestHeaderInvariance verifies that a response header generated for a
// request with an n-byte tail has exactly the same n trailing bytes.
func TestHeaderInvariance(t *testing.T) {
	for n := 0; n <= 16; n++ {
		tail := make([]byte, n)
		for i := range tail {
			tail[i] = byte(i + 1)
		}
		resp := WriteHeader(OpRead, StatusOK, tail)
		if len(resp) < n {
			t.Fatalf("response shorter than tail: %d < %d", len(resp), n)
		}
		got := resp[len(resp)-n:]
		if n > 0 && !bytes.Equal(got, tail) {
			t.Fatalf("n=%d: trailing bytes %v != tail %v", n, got, tail)
		}
	}
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestReaderUint32Default(t *testing.T) {
	r := NewReader(NewSliceSource([][]byte{{}}))
	v, err := r.Uint32(42)
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Fatalf("got %d want 42", v)
	}
}

func TestReaderUint32Value(t *testing.T) {
	r := NewReader(NewSliceSource([][]byte{u32(7)}))
	v, err := r.Uint32(42)
	if err != nil {
		t.Fatal(err)
	}
	if v != 7 {
		t.Fatalf("got %d want 7", v)
	}
}

func TestReaderKeyValues(t *testing.T) {
	parts := [][]byte{
		u32(1), // table id, consumed first
		[]byte("k1"), []byte("v1"),
		[]byte("k2"), []byte("v2"),
	}
	r := NewReader(NewSliceSource(parts))
	if _, err := r.Uint32(0); err != nil {
		t.Fatal(err)
	}
	kvs, err := r.KeyValues()
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 2 {
		t.Fatalf("got %d pairs want 2", len(kvs))
	}
	if string(kvs[0].Key) != "k1" || string(kvs[0].Value) != "v1" {
		t.Fatalf("pair 0 mismatch: %+v", kvs[0])
	}
	if string(kvs[1].Key) != "k2" || string(kvs[1].Value) != "v2" {
		t.Fatalf("pair 1 mismatch: %+v", kvs[1])
	}
}

func TestReaderRange(t *testing.T) {
	r := NewReader(NewSliceSource([][]byte{[]byte("a"), []byte("z")}))
	rg, err := r.Range()
	if err != nil {
		t.Fatal(err)
	}
	if string(rg.Start) != "a" || string(rg.End) != "z" {
		t.Fatalf("got %+v", rg)
	}
}

func TestExpectMoreFailsAtEnd(t *testing.T) {
	r := NewReader(NewSliceSource([][]byte{[]byte("only")}))
	if _, err := r.Frame(); err != nil {
		t.Fatal(err)
	}
	if err := r.ExpectMore(); err == nil {
		t.Fatal("expected ExpectMore to fail on last frame")
	}
}

func TestChecksumStable(t *testing.T) {
	a := ChecksumFrame([]byte("x"), []byte("y"))
	b := ChecksumFrame([]byte("x"), []byte("y"))
	if a != b {
		t.Fatal("checksum not stable")
	}
	c := ChecksumFrame([]byte("x"), []byte("z"))
	if a == c {
		t.Fatal("checksum did not change with input")
	}
}
