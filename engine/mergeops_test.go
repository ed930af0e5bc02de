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

package engine

import (
	"bytes"
	"testing"
)

func TestMergeInt64Add(t *testing.T) {
	got := MergeInt64Add.Apply(encodeInt64(5), encodeInt64(7))
	if decodeInt64(got) != 12 {
		t.Fatalf("got %d want 12", decodeInt64(got))
	}
}

func TestMergeInt64AddNoExisting(t *testing.T) {
	got := MergeInt64Add.Apply(nil, encodeInt64(7))
	if decodeInt64(got) != 7 {
		t.Fatalf("got %d want 7", decodeInt64(got))
	}
}

func TestMergeDoubleMul(t *testing.T) {
	got := MergeDoubleMul.Apply(encodeFloat64(2), encodeFloat64(3))
	if decodeFloat64(got) != 6 {
		t.Fatalf("got %v want 6", decodeFloat64(got))
	}
}

func TestMergeAppend(t *testing.T) {
	got := MergeAppend.Apply([]byte("ab"), []byte("cd"))
	if string(got) != "abcd" {
		t.Fatalf("got %q want abcd", got)
	}
}

func TestMergeListAppend(t *testing.T) {
	got := MergeListAppend.Apply(nil, []byte("a"))
	got = MergeListAppend.Apply(got, []byte("b"))
	if string(got) != "a\nb" {
		t.Fatalf("got %q want a\\nb", got)
	}
}

func TestMergeNulAppendSetDedup(t *testing.T) {
	got := MergeNulAppendSet.Apply(nil, []byte("a"))
	got = MergeNulAppendSet.Apply(got, []byte("b"))
	got = MergeNulAppendSet.Apply(got, []byte("a"))
	want := []byte("a\x00b")
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestMergeAndOrXor(t *testing.T) {
	a := []byte{0b1100}
	b := []byte{0b1010}
	if got := MergeAnd.Apply(a, b); got[0] != 0b1000 {
		t.Fatalf("AND got %b", got[0])
	}
	if got := MergeOr.Apply(a, b); got[0] != 0b1110 {
		t.Fatalf("OR got %b", got[0])
	}
	if got := MergeXor.Apply(a, b); got[0] != 0b0110 {
		t.Fatalf("XOR got %b", got[0])
	}
}

func TestIsMergeRequired(t *testing.T) {
	if MergeReplace.IsMergeRequired() {
		t.Fatal("replace should not require merge")
	}
	if !MergeInt64Add.IsMergeRequired() {
		t.Fatal("int64add should require merge")
	}
}

func TestParseMergeOperatorCodeRoundTrip(t *testing.T) {
	codes := []MergeOperatorCode{
		MergeReplace, MergeInt64Add, MergeDoubleMul, MergeDoubleAdd,
		MergeAppend, MergeListAppend, MergeNulAppend, MergeNulAppendSet,
		MergeAnd, MergeOr, MergeXor,
	}
	for _, c := range codes {
		got, err := ParseMergeOperatorCode(c.String())
		if err != nil {
			t.Fatalf("%v: %v", c, err)
		}
		if got != c {
			t.Fatalf("round trip %v -> %q -> %v", c, c.String(), got)
		}
	}
	if _, err := ParseMergeOperatorCode("bogus"); err == nil {
		t.Fatal("expected error for unknown operator")
	}
}

func TestParseCompressionCodeRoundTrip(t *testing.T) {
	codes := []CompressionCode{CompressionNone, CompressionS2, CompressionZstd, CompressionZstdBetter}
	for _, c := range codes {
		got, err := ParseCompressionCode(c.String())
		if err != nil {
			t.Fatalf("%v: %v", c, err)
		}
		if got != c {
			t.Fatalf("round trip %v -> %q -> %v", c, c.String(), got)
		}
	}
	if _, err := ParseCompressionCode("bogus"); err == nil {
		t.Fatal("expected error for unknown codec")
	}
}
