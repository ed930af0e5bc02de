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
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// ChecksumFrame fingerprints an ordered sequence of byte frames, used
// to detect truncated or corrupted persisted files (table config,
// APID counter) on load rather than silently trusting them.
func ChecksumFrame(frames ...[]byte) [32]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for an oversized key, and we
		// never pass one.
		panic(err)
	}
	for _, f := range frames {
		var n [8]byte
		putUvarint(n[:], uint64(len(f)))
		h.Write(n[:])
		h.Write(f)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ChecksumHex is ChecksumFrame formatted as a lowercase hex string for
// embedding in a text config file.
func ChecksumHex(frames ...[]byte) string {
	sum := ChecksumFrame(frames...)
	return hex.EncodeToString(sum[:])
}

func putUvarint(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}
