// Package httpproto implements the HTTP/1.x backend codec.
//
// The request is forwarded with the client's protocol version. A request
// body of known length passes through unchanged; a body of unknown length is
// sent with chunked transfer coding. Response bodies are framed by
// Content-Length, by chunked coding, or by the backend closing the
// connection.
package httpproto

import (
	"strconv"
	"strings"

	"mercator-hq/conduit/pkg/protocol"
	"mercator-hq/conduit/pkg/proxy/types"
)

// Name is the configuration name of the codec.
const Name = "http"

// Codec is the HTTP/1.x codec. The zero value is ready to use.
type Codec struct{}

// New returns the HTTP codec.
func New() *Codec { return &Codec{} }

type stream struct {
	chunked ChunkedDecoder
	// finished is set once the response body is complete.
	finished bool
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

// RequestChunk writes the request line and header block.
func (*Codec) RequestChunk(ex *protocol.Exchange) error {
	req := ex.Request
	protocol.BuildRequestHeaders(ex)

	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(ex.URI)
	b.WriteByte(' ')
	b.WriteString(req.Proto())
	b.WriteString("\r\n")

	for _, f := range ex.Header.Fields() {
		switch strings.ToLower(f.Name) {
		case "content-length", "transfer-encoding":
			continue
		}
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}

	switch {
	case req.Chunked:
		b.WriteString("Transfer-Encoding: chunked\r\n")
	case req.ContentLength > 0:
		b.WriteString("Content-Length: ")
		b.WriteString(strconv.FormatInt(req.ContentLength, 10))
		b.WriteString("\r\n")
	}
	if ex.Options == nil || !ex.Options.KeepAlive {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")

	ex.SendRaw.AppendString(b.String())
	return nil
}

// Encode forwards the request body. Chunked requests are re-framed.
func (*Codec) Encode(ex *protocol.Exchange) error {
	if ex.SendRaw.IsClosed() {
		return nil
	}
	if ex.Request.Chunked {
		EncodeChunked(ex.Body, ex.SendRaw)
		return nil
	}
	ex.SendRaw.StealAll(ex.Body)
	if ex.Body.IsClosed() {
		ex.SendRaw.Close()
	}
	return nil
}

// Decode moves response body bytes to ex.Recv according to the framing
// chosen by the response head.
func (*Codec) Decode(ex *protocol.Exchange) protocol.DecodeStatus {
	s := state(ex)
	if s.finished {
		return protocol.DecodeFinished
	}
	if !types.BodyAllowed(ex.Request.Method, ex.Response.Status) {
		s.finished = true
		return protocol.DecodeFinished
	}

	var st protocol.DecodeStatus
	switch {
	case ex.IsChunked:
		before := ex.Recv.BytesIn()
		st = s.chunked.Decode(ex.RecvRaw, ex.Recv)
		ex.BytesRead += ex.Recv.BytesIn() - before

	case ex.ContentLength >= 0:
		want := ex.ContentLength - ex.BytesRead
		ex.BytesRead += ex.RecvRaw.MoveTo(ex.Recv, want)
		ex.RecvRaw.RemoveFinished()
		st = protocol.DecodeNeedMore
		if ex.BytesRead >= ex.ContentLength {
			st = protocol.DecodeFinished
		}

	default:
		// Read until the backend closes.
		ex.BytesRead += ex.Recv.StealAll(ex.RecvRaw)
		st = protocol.DecodeNeedMore
		if ex.EOF {
			st = protocol.DecodeFinished
		}
	}

	if st == protocol.DecodeFinished {
		s.finished = true
	}
	return st
}

// ParseResponseHeader parses the status line and header block from
// ex.RecvRaw. Interim 1xx responses other than 101 are skipped.
func (*Codec) ParseResponseHeader(ex *protocol.Exchange) protocol.ParseStatus {
	for {
		head, st, err := protocol.ParseHeaderBlock(ex.RecvRaw, false)
		if st != protocol.ParseSuccess {
			if err != nil {
				ex.Logger().Warn("invalid backend response head", "error", err)
			}
			return st
		}
		if head.Status >= 100 && head.Status < 200 && head.Status != 101 {
			continue
		}
		if err := protocol.ApplyResponseHeaders(ex, head); err != nil {
			ex.Logger().Warn("invalid backend response header", "error", err)
			return protocol.ParseError
		}
		return protocol.ParseSuccess
	}
}
