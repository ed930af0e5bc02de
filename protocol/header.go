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

// Header is the parsed form of a header frame:
// [magic][version][opcode][tail...]
//
// Tail holds every byte beyond position 3. Depending on the opcode,
// the first byte of Tail may be a flags byte (Put, Scan); regardless
// of its meaning, the whole of Tail is the request-identifier the
// server mirrors back verbatim into any asynchronous reply header.
type Header struct {
	Opcode Opcode
	Tail   []byte
}

// ParseHeader validates and parses a header frame. Per spec §4.1/§3 a
// header frame must be at least 3 bytes and start with the fixed
// magic/version pair.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < 3 {
		return Header{}, protoErrf("ParseHeader", "header frame too short: %d bytes", len(data))
	}
	if data[0] != Magic {
		return Header{}, protoErrf("ParseHeader", "bad magic byte 0x%02x", data[0])
	}
	if data[1] != Version {
		return Header{}, protoErrf("ParseHeader", "unsupported version 0x%02x", data[1])
	}
	h := Header{Opcode: Opcode(data[2])}
	if len(data) > 3 {
		h.Tail = data[3:]
	}
	return h, nil
}

// Flags returns the first byte of Tail, or 0 if Tail is empty. Only
// meaningful for opcodes that define a flags byte (Put, Scan).
func (h Header) Flags() byte {
	if len(h.Tail) == 0 {
		return 0
	}
	return h.Tail[0]
}

// WriteHeader serializes a response header for the given opcode and
// status, with the request's tail mirrored back verbatim so that a
// request with an n-byte tail produces a response whose last n bytes
// are identical (the Header Invariance testable property).
func WriteHeader(opcode Opcode, status byte, tail []byte) []byte {
	out := make([]byte, 4+len(tail))
	out[0] = Magic
	out[1] = Version
	out[2] = byte(opcode)
	out[3] = status
	copy(out[4:], tail)
	return out
}

// ErrorFrames builds the two frames that make up an error reply: a
// header with the given non-zero status, and a UTF-8 description frame.
func ErrorFrames(opcode Opcode, status byte, tail []byte, description string) [][]byte {
	return [][]byte{
		WriteHeader(opcode, status, tail),
		[]byte(description),
	}
}
