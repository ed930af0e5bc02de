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

// Package protocol implements the YakDB wire protocol: length-delimited,
// multi-part framed messages with a more-follows bit per frame, a fixed
// 3-byte header prefix, and a request-identifier tail that is mirrored
// back into asynchronous replies.
package protocol

// Opcode identifies the kind of request or response carried by a header frame.
type Opcode byte

const (
	OpServerInfo    Opcode = 0x00
	OpOpenTable     Opcode = 0x01
	OpCloseTable    Opcode = 0x02
	OpCompactTable  Opcode = 0x03
	OpTruncateTable Opcode = 0x04
	OpStopServer    Opcode = 0x05

	OpRead   Opcode = 0x10
	OpCount  Opcode = 0x11
	OpExists Opcode = 0x12
	OpScan   Opcode = 0x13

	OpPut         Opcode = 0x20
	OpDelete      Opcode = 0x21
	OpDeleteRange Opcode = 0x22
	OpCopyRange   Opcode = 0x24

	OpForwardRangeToSocket      Opcode = 0x40
	OpServerSideTableSinkedInit Opcode = 0x41
	OpClientSidePassiveInit     Opcode = 0x42
	OpClientDataRequest         Opcode = 0x50
)

// Status codes carried as the fourth byte of a response header.
const (
	StatusOK             byte = 0x00
	StatusGenericError   byte = 0x01
	StatusEngineError    byte = 0x10
	StatusUnknownRequest byte = 0x11
	// StatusPartial marks a passive-scan pull that returned fewer pairs
	// than the job's configured chunk size: the scan is drained and the
	// job has entered its termination grace period.
	StatusPartial byte = 0x12
	// StatusNoData marks a passive-scan pull that produced zero pairs,
	// whether because the job's range is exhausted, the job is already
	// in its termination grace period, or the APID is unknown.
	StatusNoData byte = 0x13
)

// Table-admin specific reply codes (single-byte status, no header framing).
const (
	AdminStatusOK          byte = 0x00
	AdminStatusNoAction    byte = 0x01
	AdminStatusEngineError byte = 0x10
	AdminStatusUnknown     byte = 0x11
)

// Magic and Version are the first two bytes of every header frame.
const (
	Magic   byte = 0x31
	Version byte = 0x01
)

// Put flags (header tail byte 0, i.e. wire position 3).
const (
	FlagPartsync byte = 1 << 0
	FlagFullsync byte = 1 << 1
)

// Scan direction flag, also header tail byte 0 bit 0.
const FlagReverse byte = 1 << 0

// ServerInfo feature bitmap bits.
const (
	FeatureOnTheFlyTableOpen uint64 = 1 << 0
	FeaturePartsync          uint64 = 1 << 1
	FeatureFullsync          uint64 = 1 << 2
)

// IsDataProcessing reports whether the opcode belongs to the async-job
// family (opcode bit 6 set, i.e. 0x40...0x7F) per spec §4.8.
func (o Opcode) IsDataProcessing() bool {
	return byte(o)&0x40 != 0
}
