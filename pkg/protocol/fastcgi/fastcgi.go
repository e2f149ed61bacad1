// Package fastcgi implements the FastCGI responder codec.
//
// One request is carried per connection at a time with request id 1. The
// request is BEGIN_REQUEST, the CGI environment as PARAMS records, an empty
// PARAMS record, the body as STDIN records and an empty STDIN record. The
// response is demultiplexed from STDOUT, STDERR and END_REQUEST records; the
// STDOUT stream starts with a CGI header block.
package fastcgi

import (
	"fmt"

	"mercator-hq/conduit/pkg/protocol"
)

// Name is the configuration name of the codec.
const Name = "fastcgi"

// Codec is the FastCGI codec. The zero value is ready to use.
type Codec struct{}

// New returns the FastCGI codec.
func New() *Codec { return &Codec{} }

type stream struct {
	// ended is set when END_REQUEST has been seen.
	ended bool
	// header is reused for record header peeks.
	header [HeaderLen]byte
}

func (*Codec) Name() string { return Name }

func (*Codec) StreamInit(ex *protocol.Exchange) {
	ex.State = &stream{}
}

func (*Codec) StreamCleanup(ex *protocol.Exchange) {
	ex.State = nil
}

func state(ex *protocol.Exchange) *stream {
	s, ok := ex.State.(*stream)
	if !ok {
		s = &stream{}
		ex.State = s
	}
	return s
}

// RequestChunk writes BEGIN_REQUEST and the PARAMS stream.
func (*Codec) RequestChunk(ex *protocol.Exchange) error {
	protocol.BuildRequestHeaders(ex)
	keepConn := ex.Options != nil && ex.Options.KeepAlive
	limit := ex.Options.Payload()

	var params []byte
	for _, f := range Env(ex).Fields() {
		params = AppendParam(params, f.Name, f.Value)
	}

	b := make([]byte, 0, 2*HeaderLen+8+len(params)+HeaderLen*(len(params)/limit+2))
	b = appendBeginRequest(b, keepConn)
	b = appendStream(b, TypeParams, params, limit)
	b = newHeader(TypeParams, 0).AppendTo(b)
	ex.SendRaw.Append(b)
	return nil
}

// Encode wraps ex.Body into STDIN records of at most Options.Payload bytes.
// Body chunks are moved, not copied. After the body is closed and drained an
// empty STDIN record ends the stream and ex.SendRaw is closed.
func (*Codec) Encode(ex *protocol.Exchange) error {
	if ex.SendRaw.IsClosed() {
		return nil
	}
	limit := int64(ex.Options.Payload())
	for {
		n := min(ex.Body.Length(), limit)
		if n == 0 {
			break
		}
		ex.SendRaw.Append(newHeader(TypeStdin, int(n)).AppendTo(nil))
		if moved := ex.Body.MoveTo(ex.SendRaw, n); moved != n {
			return fmt.Errorf("fastcgi: short body move: %d of %d bytes", moved, n)
		}
	}
	ex.Body.RemoveFinished()
	if ex.Body.IsClosed() && ex.Body.IsEmpty() {
		ex.SendRaw.Append(newHeader(TypeStdin, 0).AppendTo(nil))
		ex.SendRaw.Close()
	}
	return nil
}

// Decode demultiplexes every complete record in ex.RecvRaw.
func (*Codec) Decode(ex *protocol.Exchange) protocol.DecodeStatus {
	s := state(ex)
	for !s.ended {
		if ex.RecvRaw.Peek(s.header[:]) < HeaderLen {
			return protocol.DecodeNeedMore
		}
		h := ParseHeader(s.header[:])
		if h.Version != Version1 {
			ex.Logger().Warn("fastcgi record with unknown version", "version", h.Version)
			return protocol.DecodeError
		}
		if ex.RecvRaw.Length() < int64(h.RecordLen()) {
			return protocol.DecodeNeedMore
		}
		ex.RecvRaw.Skip(HeaderLen)

		switch h.Type {
		case TypeStdout:
			ex.BytesRead += ex.RecvRaw.MoveTo(ex.Recv, int64(h.ContentLength))
		case TypeStderr:
			msg := make([]byte, h.ContentLength)
			ex.RecvRaw.Read(msg)
			ex.Logger().Warn("fastcgi stderr", "message", string(msg))
		case TypeEndRequest:
			ex.RecvRaw.Skip(int64(h.ContentLength))
			s.ended = true
			if ex.Options == nil || !ex.Options.KeepAlive {
				ex.IsClosing = true
			}
		default:
			ex.Logger().Warn("unexpected fastcgi record", "type", h.Type.String())
			return protocol.DecodeError
		}
		ex.RecvRaw.Skip(int64(h.PaddingLength))
		ex.RecvRaw.RemoveFinished()
	}
	return protocol.DecodeFinished
}

// ParseResponseHeader decodes records into ex.Recv and parses the CGI header
// block at its head. A response that ends before the header block is
// complete is malformed.
func (c *Codec) ParseResponseHeader(ex *protocol.Exchange) protocol.ParseStatus {
	if c.Decode(ex) == protocol.DecodeError {
		return protocol.ParseError
	}

	before := ex.Recv.Written()
	head, st, err := protocol.ParseHeaderBlock(ex.Recv, true)
	switch st {
	case protocol.ParseNeedMore:
		if state(ex).ended {
			ex.Logger().Warn("fastcgi response ended inside the header block")
			return protocol.ParseError
		}
		return st
	case protocol.ParseError:
		ex.Logger().Warn("invalid fastcgi response head", "error", err)
		return st
	}
	ex.BytesRead -= ex.Recv.Written() - before

	// Connection management belongs to the FastCGI layer.
	head.Header.Del("Connection")
	if head.Status == 0 {
		head.Status = 200
		if head.Header.Has("Location") {
			head.Status = 0
		}
	}
	if err := protocol.ApplyResponseHeaders(ex, head); err != nil {
		ex.Logger().Warn("invalid fastcgi response header", "error", err)
		return protocol.ParseError
	}
	// The body framing is FastCGI's; chunked coding does not apply.
	ex.IsChunked = false
	return protocol.ParseSuccess
}
