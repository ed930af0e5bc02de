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
	"fmt"
	"runtime"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Codec is adapted from compr.Compressor/compr.Decompressor, narrowed
// to the codecs CompressionCode enumerates and merged into one
// interface since engine implementations always need both directions
// for the same table. Unlike compr, which compresses whole ion
// blocks, engine implementations apply this per-value: Compress and
// Decompress operate on a single key's value rather than a block.
type Codec interface {
	Compress(src, dst []byte) []byte
	Decompress(src, dst []byte) ([]byte, error)
}

type s2Codec struct{}

func (s2Codec) Compress(src, dst []byte) []byte {
	return s2.Encode(dst[:0:cap(dst)], src)
}

func (s2Codec) Decompress(src, dst []byte) ([]byte, error) {
	return s2.Decode(dst[:0:cap(dst)], src)
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (z zstdCodec) Compress(src, dst []byte) []byte {
	return z.enc.EncodeAll(src, dst[:0:cap(dst)])
}

func (z zstdCodec) Decompress(src, dst []byte) ([]byte, error) {
	return z.dec.DecodeAll(src, dst[:0:cap(dst)])
}

var sharedZstdDecoder *zstd.Decoder

func init() {
	d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	sharedZstdDecoder = d
}

// NewCodec returns the Codec for code, or nil for CompressionNone
// (meaning: store values uncompressed). Engine implementations that
// want real value compression call this once at Open and apply it on
// every Write/Get; memengine is the reference example.
func NewCodec(code CompressionCode) (Codec, error) {
	switch code {
	case CompressionNone:
		return nil, nil
	case CompressionS2:
		return s2Codec{}, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("engine: building zstd encoder: %w", err)
		}
		return zstdCodec{enc: enc, dec: sharedZstdDecoder}, nil
	case CompressionZstdBetter:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("engine: building zstd-better encoder: %w", err)
		}
		return zstdCodec{enc: enc, dec: sharedZstdDecoder}, nil
	default:
		return nil, fmt.Errorf("engine: unsupported compression code %s", code)
	}
}
