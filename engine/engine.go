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

// Package engine defines the abstract per-table storage collaborator
// that the rest of YakDB is built against. spec.md treats the embedded
// LSM engine as an external concern (compression algorithms,
// durability internals, on-disk format); this package only fixes the
// Go-shaped contract: Put/Get/Delete/Merge/Iterator/Snapshot/Compact/
// Destroy, plus a reference in-memory implementation so the rest of
// the module is testable without a cgo storage binding.
package engine

import "errors"

// ErrClosed is returned by operations on an engine or handle that has
// already been closed or destroyed.
var ErrClosed = errors.New("engine: use of closed handle")

// OpKind distinguishes the three write operations an engine accepts in
// a batch.
type OpKind byte

const (
	OpPut OpKind = iota
	OpMerge
	OpDelete
)

// Op is a single write operation against one key.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte // unused for OpDelete
}

// WriteBatch is an ordered sequence of operations committed atomically.
type WriteBatch struct {
	Ops  []Op
	Sync bool // fullsync: fsync the commit before returning
}

// Put appends a Put operation.
func (b *WriteBatch) Put(key, value []byte) {
	b.Ops = append(b.Ops, Op{Kind: OpPut, Key: key, Value: value})
}

// Merge appends a Merge operation.
func (b *WriteBatch) Merge(key, value []byte) {
	b.Ops = append(b.Ops, Op{Kind: OpMerge, Key: key, Value: value})
}

// Delete appends a Delete operation.
func (b *WriteBatch) Delete(key []byte) {
	b.Ops = append(b.Ops, Op{Kind: OpDelete, Key: key})
}

// Len reports the number of queued operations.
func (b *WriteBatch) Len() int { return len(b.Ops) }

// Snapshot is an immutable point-in-time read view, owned by exactly
// one caller for its entire lifetime (a Passive Scan Job, or a single
// Scan/DeleteRange/CopyRange request).
type Snapshot interface {
	// Release returns the snapshot's resources to the engine. Release
	// must be idempotent.
	Release()
}

// Iterator walks a Snapshot's keys in ascending or descending order.
type Iterator interface {
	// Seek positions the iterator at the first key >= target (ascending)
	// or, when the iterator was constructed reversed, effectively seeks
	// to the greatest key strictly less than target (see engine/memengine for the exact
	// reverse-seek semantics this module standardizes on).
	Seek(target []byte)
	// SeekToLast positions a reversed iterator at the greatest key in
	// the snapshot.
	SeekToLast()
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
	Close()
}

// Engine is the abstract per-table storage collaborator.
type Engine interface {
	Get(key []byte) (value []byte, found bool, err error)
	Write(batch *WriteBatch) error
	NewSnapshot() (Snapshot, error)
	// NewIterator returns an iterator over snap (or over the live
	// engine state if snap is nil) in the requested direction.
	NewIterator(snap Snapshot, reversed bool) (Iterator, error)
	Compact(start, end []byte) error
	Close() error
	Destroy() error
}

// Options configures a table at open time; fields left at their zero
// value inherit from the persisted config file, then from the process
// default, per the precedence rule in spec.md §3.
type Options struct {
	LRUCacheSize      int64
	BlockSize         int64
	WriteBufferSize   int64
	BloomBitsPerKey   int
	CompressionCode   CompressionCode
	MergeOperatorCode MergeOperatorCode
}

// CompressionCode enumerates the compression codecs a table config may
// request. These map 1:1 onto the algorithms compr.Compression/
// compr.Decompression select by name; codec.go adapts that selection
// logic so values are actually compressed on write and decompressed
// on read, not just validated and passed through.
type CompressionCode byte

const (
	CompressionNone CompressionCode = iota
	CompressionS2
	CompressionZstd
	CompressionZstdBetter
)

func (c CompressionCode) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionS2:
		return "s2"
	case CompressionZstd:
		return "zstd"
	case CompressionZstdBetter:
		return "zstd-better"
	default:
		return "unknown"
	}
}

// ParseCompressionCode parses the persisted config string form.
func ParseCompressionCode(s string) (CompressionCode, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "s2":
		return CompressionS2, nil
	case "zstd":
		return CompressionZstd, nil
	case "zstd-better":
		return CompressionZstdBetter, nil
	default:
		return 0, errors.New("engine: unknown compression code " + s)
	}
}

// Factory opens and destroys per-table engine handles, rooted at a
// directory. The Table-Admin Server is the only caller.
type Factory interface {
	Open(dir string, opts Options) (Engine, error)
	// RemoveAll destroys all on-disk state for a table directory that
	// is not currently open.
	RemoveAll(dir string) error
}
