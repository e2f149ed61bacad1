package fastcgi

import (
	"encoding/binary"
	"fmt"
)

// Version1 is the only FastCGI protocol version.
const Version1 = 1

// HeaderLen is the size of a record header.
const HeaderLen = 8

// RecordType identifies a record.
type RecordType uint8

const (
	TypeBeginRequest    RecordType = 1
	TypeAbortRequest    RecordType = 2
	TypeEndRequest      RecordType = 3
	TypeParams          RecordType = 4
	TypeStdin           RecordType = 5
	TypeStdout          RecordType = 6
	TypeStderr          RecordType = 7
	TypeData            RecordType = 8
	TypeGetValues       RecordType = 9
	TypeGetValuesResult RecordType = 10
	TypeUnknownType     RecordType = 11
)

func (t RecordType) String() string {
	switch t {
	case TypeBeginRequest:
		return "BEGIN_REQUEST"
	case TypeAbortRequest:
		return "ABORT_REQUEST"
	case TypeEndRequest:
		return "END_REQUEST"
	case TypeParams:
		return "PARAMS"
	case TypeStdin:
		return "STDIN"
	case TypeStdout:
		return "STDOUT"
	case TypeStderr:
		return "STDERR"
	case TypeData:
		return "DATA"
	case TypeGetValues:
		return "GET_VALUES"
	case TypeGetValuesResult:
		return "GET_VALUES_RESULT"
	case TypeUnknownType:
		return "UNKNOWN_TYPE"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Roles and flags of BEGIN_REQUEST.
const (
	RoleResponder = 1
	FlagKeepConn  = 1
)

// requestID is the single request multiplexed per connection.
const requestID = 1

// Header is a record header.
type Header struct {
	Version       uint8
	Type          RecordType
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
}

// RecordLen returns the full record size, header included.
func (h Header) RecordLen() int {
	return HeaderLen + int(h.ContentLength) + int(h.PaddingLength)
}

// AppendTo appends the encoded header to b.
func (h Header) AppendTo(b []byte) []byte {
	b = append(b, h.Version, byte(h.Type))
	b = binary.BigEndian.AppendUint16(b, h.RequestID)
	b = binary.BigEndian.AppendUint16(b, h.ContentLength)
	return append(b, h.PaddingLength, 0)
}

// ParseHeader decodes a record header from the first HeaderLen bytes of b.
func ParseHeader(b []byte) Header {
	return Header{
		Version:       b[0],
		Type:          RecordType(b[1]),
		RequestID:     binary.BigEndian.Uint16(b[2:4]),
		ContentLength: binary.BigEndian.Uint16(b[4:6]),
		PaddingLength: b[6],
	}
}

func newHeader(t RecordType, contentLength int) Header {
	return Header{
		Version:       Version1,
		Type:          t,
		RequestID:     requestID,
		ContentLength: uint16(contentLength),
	}
}

// appendBeginRequest appends a BEGIN_REQUEST record for the responder role.
func appendBeginRequest(b []byte, keepConn bool) []byte {
	b = newHeader(TypeBeginRequest, 8).AppendTo(b)
	var flags byte
	if keepConn {
		flags = FlagKeepConn
	}
	b = binary.BigEndian.AppendUint16(b, RoleResponder)
	return append(b, flags, 0, 0, 0, 0, 0)
}

// appendStream appends content as records of type t, each carrying at most
// limit bytes. Empty content yields no records.
func appendStream(b []byte, t RecordType, content []byte, limit int) []byte {
	for len(content) > 0 {
		n := min(len(content), limit)
		b = newHeader(t, n).AppendTo(b)
		b = append(b, content[:n]...)
		content = content[n:]
	}
	return b
}
