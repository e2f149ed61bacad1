package httpproto

import (
	"strconv"

	"mercator-hq/conduit/pkg/chunkqueue"
	"mercator-hq/conduit/pkg/protocol"
)

// maxChunkSize bounds the declared size of one chunk.
const maxChunkSize = 1 << 40

type chunkPhase int

const (
	phaseSize chunkPhase = iota
	phaseExtension
	phaseData
	phaseDataEnd
	phaseTrailer
	phaseDone
	phaseError
)

// ChunkedDecoder removes chunked transfer coding. It keeps its position
// between calls, so input may be split at any byte.
type ChunkedDecoder struct {
	phase  chunkPhase
	size   int64
	digits int
	// lineLen counts non-CR bytes on the current trailer line.
	lineLen int
}

// Decode moves the payload of complete or partial chunks from src to dst.
// It returns DecodeFinished after the last chunk and its trailer, and
// DecodeError on a malformed size line or missing data terminator.
func (d *ChunkedDecoder) Decode(src, dst *chunkqueue.Queue) protocol.DecodeStatus {
	for {
		switch d.phase {
		case phaseDone:
			return protocol.DecodeFinished
		case phaseError:
			return protocol.DecodeError
		}

		src.RemoveFinished()
		c := src.First()
		if c == nil || c.Kind() != chunkqueue.MemChunk {
			return protocol.DecodeNeedMore
		}

		if d.phase == phaseData {
			moved := src.MoveTo(dst, d.size)
			d.size -= moved
			if d.size == 0 {
				d.phase = phaseDataEnd
			}
			continue
		}

		b := c.Bytes()
		i := 0
		for i < len(b) && d.phase != phaseData && d.phase != phaseDone && d.phase != phaseError {
			d.step(b[i])
			i++
		}
		src.Skip(int64(i))
	}
}

func (d *ChunkedDecoder) step(ch byte) {
	switch d.phase {
	case phaseSize:
		if v, ok := unhex(ch); ok {
			d.size = d.size<<4 | int64(v)
			d.digits++
			if d.size > maxChunkSize {
				d.phase = phaseError
			}
			return
		}
		if d.digits == 0 {
			d.phase = phaseError
			return
		}
		switch ch {
		case ';', ' ', '\t', '\r':
			d.phase = phaseExtension
		case '\n':
			d.endSizeLine()
		default:
			d.phase = phaseError
		}

	case phaseExtension:
		if ch == '\n' {
			d.endSizeLine()
		}

	case phaseDataEnd:
		switch ch {
		case '\r':
		case '\n':
			d.phase = phaseSize
			d.size = 0
			d.digits = 0
		default:
			d.phase = phaseError
		}

	case phaseTrailer:
		switch ch {
		case '\r':
		case '\n':
			if d.lineLen == 0 {
				d.phase = phaseDone
			}
			d.lineLen = 0
		default:
			d.lineLen++
		}
	}
}

func (d *ChunkedDecoder) endSizeLine() {
	if d.size == 0 {
		d.phase = phaseTrailer
		d.lineLen = 0
		return
	}
	d.phase = phaseData
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// EncodeChunked frames the unconsumed bytes of src as one chunk on dst and,
// once src is closed and drained, writes the last chunk and closes dst.
func EncodeChunked(src, dst *chunkqueue.Queue) {
	if n := src.Length(); n > 0 {
		dst.AppendString(strconv.FormatInt(n, 16) + "\r\n")
		dst.StealAll(src)
		dst.AppendString("\r\n")
	}
	if src.IsClosed() && src.IsEmpty() && !dst.IsClosed() {
		dst.AppendString("0\r\n\r\n")
		dst.Close()
	}
}
