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
	"encoding/binary"
	"errors"
	"math"
)

// MergeOperatorCode is the small tagged variant of merge operators
// spec.md §9 calls for. Replace is the trivial operator: tables
// configured with it are not "merge-required" and update workers take
// the Put fast-path instead of invoking Merge at all.
type MergeOperatorCode byte

const (
	MergeReplace MergeOperatorCode = iota
	MergeInt64Add
	MergeDoubleMul
	MergeDoubleAdd
	MergeAppend
	MergeListAppend
	MergeNulAppend
	MergeNulAppendSet
	MergeAnd
	MergeOr
	MergeXor
)

func (c MergeOperatorCode) String() string {
	switch c {
	case MergeReplace:
		return "replace"
	case MergeInt64Add:
		return "int64add"
	case MergeDoubleMul:
		return "doublemul"
	case MergeDoubleAdd:
		return "doubleadd"
	case MergeAppend:
		return "append"
	case MergeListAppend:
		return "listappend"
	case MergeNulAppend:
		return "nulappend"
	case MergeNulAppendSet:
		return "nulappendset"
	case MergeAnd:
		return "and"
	case MergeOr:
		return "or"
	case MergeXor:
		return "xor"
	default:
		return "unknown"
	}
}

// ParseMergeOperatorCode parses the persisted config string form.
func ParseMergeOperatorCode(s string) (MergeOperatorCode, error) {
	switch s {
	case "", "replace":
		return MergeReplace, nil
	case "int64add":
		return MergeInt64Add, nil
	case "doublemul":
		return MergeDoubleMul, nil
	case "doubleadd":
		return MergeDoubleAdd, nil
	case "append":
		return MergeAppend, nil
	case "listappend":
		return MergeListAppend, nil
	case "nulappend":
		return MergeNulAppend, nil
	case "nulappendset":
		return MergeNulAppendSet, nil
	case "and":
		return MergeAnd, nil
	case "or":
		return MergeOr, nil
	case "xor":
		return MergeXor, nil
	default:
		return 0, errors.New("engine: unknown merge operator " + s)
	}
}

// IsMergeRequired reports whether writes against a table configured
// with this operator must go through Merge rather than Put.
func (c MergeOperatorCode) IsMergeRequired() bool {
	return c != MergeReplace
}

const listSep = '\n'
const nulSep = 0

// Apply combines an existing stored value (possibly nil, meaning no
// prior value) with an incoming merge operand, producing the new
// stored value.
func (c MergeOperatorCode) Apply(existing, operand []byte) []byte {
	switch c {
	case MergeReplace:
		return operand
	case MergeInt64Add:
		return encodeInt64(decodeInt64(existing) + decodeInt64(operand))
	case MergeDoubleMul:
		base := 1.0
		if len(existing) == 8 {
			base = decodeFloat64(existing)
		}
		return encodeFloat64(base * decodeFloat64WithDefault(operand, 1.0))
	case MergeDoubleAdd:
		return encodeFloat64(decodeFloat64WithDefault(existing, 0) + decodeFloat64WithDefault(operand, 0))
	case MergeAppend:
		out := make([]byte, 0, len(existing)+len(operand))
		out = append(out, existing...)
		out = append(out, operand...)
		return out
	case MergeListAppend:
		return appendSep(existing, operand, listSep, false)
	case MergeNulAppend:
		return appendSep(existing, operand, nulSep, false)
	case MergeNulAppendSet:
		return appendSep(existing, operand, nulSep, true)
	case MergeAnd:
		return bitwise(existing, operand, func(a, b byte) byte { return a & b })
	case MergeOr:
		return bitwise(existing, operand, func(a, b byte) byte { return a | b })
	case MergeXor:
		return bitwise(existing, operand, func(a, b byte) byte { return a ^ b })
	default:
		return operand
	}
}

func appendSep(existing, operand []byte, sep byte, dedup bool) []byte {
	if dedup && containsItem(existing, operand, sep) {
		return existing
	}
	if len(existing) == 0 {
		return append([]byte(nil), operand...)
	}
	out := make([]byte, 0, len(existing)+1+len(operand))
	out = append(out, existing...)
	out = append(out, sep)
	out = append(out, operand...)
	return out
}

func containsItem(list, item []byte, sep byte) bool {
	start := 0
	for i := 0; i <= len(list); i++ {
		if i == len(list) || list[i] == sep {
			if string(list[start:i]) == string(item) {
				return true
			}
			start = i + 1
		}
	}
	return false
}

func bitwise(a, b []byte, f func(x, y byte) byte) []byte {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		out[i] = f(x, y)
	}
	return out
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func encodeInt64(v int64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(v))
	return out
}

func decodeFloat64(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func decodeFloat64WithDefault(b []byte, def float64) float64 {
	if len(b) != 8 {
		return def
	}
	return decodeFloat64(b)
}

func encodeFloat64(v float64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, math.Float64bits(v))
	return out
}
