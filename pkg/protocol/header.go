package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"mercator-hq/conduit/pkg/chunkqueue"
	"mercator-hq/conduit/pkg/proxy/types"
)

// MaxHeaderBytes bounds a response head. Larger heads are malformed.
const MaxHeaderBytes = 64 << 10

// Head is a parsed response head.
type Head struct {
	// Proto is the status-line protocol, empty for CGI-style heads.
	Proto string

	// Status is the status code; zero when the head carried none.
	Status int

	// Header holds the fields in arrival order, Status included.
	Header *types.Header
}

// ParseHeaderBlock parses a response head from the memory chunks at the head
// of q. With cgi set the block is a CGI header list where a Status field
// supplies the status code; a leading "HTTP/" status line is accepted in both
// modes. On success the head bytes, including the empty line, are consumed
// from q.
func ParseHeaderBlock(q *chunkqueue.Queue, cgi bool) (*Head, ParseStatus, error) {
	n := q.Length()
	if n > MaxHeaderBytes+4 {
		n = MaxHeaderBytes + 4
	}
	buf := make([]byte, n)
	buf = buf[:q.Peek(buf)]

	end, bodyStart := headerEnd(buf)
	if end < 0 {
		if len(buf) > MaxHeaderBytes {
			return nil, ParseError, fmt.Errorf("%w: response head exceeds %d bytes", ErrMalformed, MaxHeaderBytes)
		}
		return nil, ParseNeedMore, nil
	}

	head, err := parseHead(buf[:end], cgi)
	if err != nil {
		return nil, ParseError, err
	}
	q.Skip(int64(bodyStart))
	q.RemoveFinished()
	return head, ParseSuccess, nil
}

// headerEnd locates the empty line ending the head. It returns the length of
// the head without the terminator and the offset of the first body byte, or
// -1 when the terminator has not arrived.
func headerEnd(b []byte) (int, int) {
	for i := 0; i < len(b); i++ {
		if b[i] != '\n' {
			continue
		}
		// "\n\n" or "\n\r\n"
		if i+1 < len(b) && b[i+1] == '\n' {
			return i, i + 2
		}
		if i+2 < len(b) && b[i+1] == '\r' && b[i+2] == '\n' {
			return i, i + 3
		}
	}
	return -1, -1
}

func parseHead(b []byte, cgi bool) (*Head, error) {
	head := &Head{}
	var fields []types.Field

	for i, raw := range bytes.Split(b, []byte{'\n'}) {
		line := string(bytes.TrimSuffix(raw, []byte{'\r'}))
		if i == 0 {
			if strings.HasPrefix(line, "HTTP/") {
				if err := parseStatusLine(head, line); err != nil {
					return nil, err
				}
				continue
			}
			if !cgi {
				return nil, fmt.Errorf("%w: bad status line %q", ErrMalformed, line)
			}
		}
		if line == "" {
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if len(fields) == 0 {
				return nil, fmt.Errorf("%w: continuation line without a field", ErrMalformed)
			}
			fields[len(fields)-1].Value += " " + strings.TrimSpace(line)
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformed, line)
		}
		fields = append(fields, types.Field{Name: name, Value: strings.TrimSpace(value)})
	}

	head.Header = types.NewHeader(fields...)
	if cgi && head.Status == 0 {
		if value, ok := head.Header.Lookup("Status"); ok {
			code, _, _ := strings.Cut(value, " ")
			status, err := strconv.Atoi(code)
			if err != nil || status < 100 || status > 999 {
				return nil, fmt.Errorf("%w: bad Status header %q", ErrMalformed, value)
			}
			head.Status = status
		}
	}
	return head, nil
}

func parseStatusLine(head *Head, line string) error {
	proto, rest, _ := strings.Cut(line, " ")
	code, _, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	status, err := strconv.Atoi(code)
	if err != nil || len(code) != 3 || status < 100 {
		return fmt.Errorf("%w: bad status line %q", ErrMalformed, line)
	}
	head.Proto = proto
	head.Status = status
	return nil
}
