package protocol

import (
	"encoding/binary"
	"strings"
	"unicode/utf8"
)

// Decode parses one datagram into a message. The second return value is
// false for empty input, unrecognized tags, truncated fields, and payloads
// that fail decompression; callers drop such datagrams silently.
func Decode(data []byte) (Message, bool) {
	if len(data) == 0 {
		return nil, false
	}

	r := newReader(data[1:])

	switch MessageType(data[0]) {
	case TypeChat:
		from := r.name()
		text := r.text()
		if !r.ok() {
			return nil, false
		}
		return Chat{From: from, Text: text}, true

	case TypePing:
		seq := r.uint32()
		if !r.ok() {
			return nil, false
		}
		return Ping{Seq: seq}, true

	case TypePong:
		seq := r.uint32()
		if !r.ok() {
			return nil, false
		}
		return Pong{Seq: seq}, true

	case TypeJoin:
		name := r.name()
		if !r.ok() {
			return nil, false
		}
		return Join{Name: name}, true

	case TypeLeave:
		name := r.name()
		if !r.ok() {
			return nil, false
		}
		return Leave{Name: name}, true

	case TypeCallRequest:
		from := r.name()
		if !r.ok() {
			return nil, false
		}
		return CallRequest{From: from}, true

	case TypeCallHangup:
		from := r.name()
		if !r.ok() {
			return nil, false
		}
		return CallHangup{From: from}, true

	case TypeCallReject:
		from := r.name()
		if !r.ok() {
			return nil, false
		}
		return CallReject{From: from}, true

	case TypeStreamFrame:
		from := r.name()
		count := int(r.uint8())
		lines := make([]string, 0, count)
		for i := 0; i < count; i++ {
			lines = append(lines, r.text())
		}
		if !r.ok() {
			return nil, false
		}
		return StreamFrame{From: from, Lines: lines}, true

	case TypeVideoFrame:
		from := r.name()
		width := r.uint16()
		height := r.uint16()
		rawLen := r.uint32()
		compressed := r.bytes32()
		if !r.ok() {
			return nil, false
		}
		pixels, err := Decompress(compressed)
		if err != nil || len(pixels) != int(rawLen) {
			return nil, false
		}
		return VideoFrame{From: from, Width: width, Height: height, Pixels: pixels}, true

	case TypeVideoFrameFragment:
		from := r.name()
		width := r.uint16()
		height := r.uint16()
		frameID := r.uint8()
		index := r.uint8()
		total := r.uint8()
		payload := r.bytes32()
		if !r.ok() {
			return nil, false
		}
		return VideoFrameFragment{
			From:           from,
			Width:          width,
			Height:         height,
			FrameID:        frameID,
			FragmentIndex:  index,
			TotalFragments: total,
			Data:           payload,
		}, true

	case TypeDiscoveryAnnounce:
		port := r.uint16()
		name := r.name()
		if !r.ok() {
			return nil, false
		}
		return DiscoveryAnnounce{Name: name, Port: port}, true
	}

	return nil, false
}

// reader walks a byte slice with sticky failure: once any field runs past
// the end of the buffer every later read also fails, so a single ok() check
// after the last field covers the whole variant.
type reader struct {
	data   []byte
	off    int
	failed bool
}

func newReader(data []byte) *reader {
	return &reader{data: data}
}

func (r *reader) ok() bool {
	return !r.failed && r.off == len(r.data)
}

func (r *reader) take(n int) []byte {
	if r.failed || n < 0 || len(r.data)-r.off < n {
		r.failed = true
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// name reads a 1-byte length prefix and that many bytes of UTF-8.
func (r *reader) name() string {
	n := int(r.uint8())
	return lossyString(r.take(n))
}

// text reads a 2-byte big-endian length prefix and that many bytes of UTF-8.
func (r *reader) text() string {
	n := int(r.uint16())
	return lossyString(r.take(n))
}

// bytes32 reads a 4-byte big-endian length prefix and that many raw bytes,
// copied out so the caller may retain them past the receive buffer's reuse.
func (r *reader) bytes32() []byte {
	n := int(r.uint32())
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// lossyString converts bytes to a string, replacing invalid UTF-8 sequences
// with U+FFFD instead of rejecting the whole message.
func lossyString(b []byte) string {
	if b == nil {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
