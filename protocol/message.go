package protocol

import (
	"encoding/binary"
)

// MessageType identifies the variant of a wormhole message.
type MessageType byte

// Wire tag bytes. These values are fixed by the protocol and must not be
// renumbered; 0x06 is kept for decoding frames from older builds.
const (
	TypeChat               MessageType = 0x01
	TypePing               MessageType = 0x02
	TypePong               MessageType = 0x03
	TypeJoin               MessageType = 0x04
	TypeLeave              MessageType = 0x05
	TypeStreamFrame        MessageType = 0x06 // legacy ASCII-art streaming
	TypeCallRequest        MessageType = 0x07
	TypeCallHangup         MessageType = 0x08
	TypeCallReject         MessageType = 0x09
	TypeVideoFrame         MessageType = 0x0A
	TypeDiscoveryAnnounce  MessageType = 0x0B
	TypeVideoFrameFragment MessageType = 0x0C
)

// maxNameLen is the largest name the 1-byte length prefix can carry.
const maxNameLen = 255

// maxTextLen is the largest chat text the 2-byte length prefix can carry.
const maxTextLen = 65535

// Message is one application-level event on the wire. The set of
// implementations is closed; each variant knows its own byte layout.
type Message interface {
	// Type returns the variant's wire tag.
	Type() MessageType

	appendTo(buf []byte) []byte
}

// Encode serializes a message for transmission.
func Encode(m Message) []byte {
	return m.appendTo(make([]byte, 0, 64))
}

// Chat is a text message shown to every peer.
type Chat struct {
	From string
	Text string
}

// Ping checks connectivity; the receiving application answers with a Pong
// echoing the same sequence number.
type Ping struct {
	Seq uint32
}

// Pong answers a Ping.
type Pong struct {
	Seq uint32
}

// Join announces a node entering the swarm.
type Join struct {
	Name string
}

// Leave announces a node departing.
type Leave struct {
	Name string
}

// CallRequest asks the receiver to start a video call.
type CallRequest struct {
	From string
}

// CallHangup ends an active call.
type CallHangup struct {
	From string
}

// CallReject declines a call request (busy).
type CallReject struct {
	From string
}

// StreamFrame is the legacy ASCII-art frame format. It is decoded for wire
// compatibility with old builds but never produced by this implementation.
type StreamFrame struct {
	From  string
	Lines []string
}

// VideoFrame is one whole grayscale frame. Pixels travel LZ4-compressed;
// Encode compresses and Decode decompresses, so callers only ever see raw
// pixel bytes.
type VideoFrame struct {
	From   string
	Width  uint16
	Height uint16
	Pixels []byte
}

// VideoFrameFragment is one shard of a compressed frame too large for a
// single safe datagram. Data is a slice of the compressed block; it is not
// decompressed until all shards of the frame have been reassembled.
type VideoFrameFragment struct {
	From           string
	Width          uint16
	Height         uint16
	FrameID        uint8
	FragmentIndex  uint8
	TotalFragments uint8
	Data           []byte
}

// DiscoveryAnnounce is the fallback announce sent to a peer's data port
// when the dedicated discovery socket cannot be shared.
type DiscoveryAnnounce struct {
	Name string
	Port uint16
}

// Type implementations.

func (Chat) Type() MessageType               { return TypeChat }
func (Ping) Type() MessageType               { return TypePing }
func (Pong) Type() MessageType               { return TypePong }
func (Join) Type() MessageType               { return TypeJoin }
func (Leave) Type() MessageType              { return TypeLeave }
func (CallRequest) Type() MessageType        { return TypeCallRequest }
func (CallHangup) Type() MessageType         { return TypeCallHangup }
func (CallReject) Type() MessageType         { return TypeCallReject }
func (StreamFrame) Type() MessageType        { return TypeStreamFrame }
func (VideoFrame) Type() MessageType         { return TypeVideoFrame }
func (VideoFrameFragment) Type() MessageType { return TypeVideoFrameFragment }
func (DiscoveryAnnounce) Type() MessageType  { return TypeDiscoveryAnnounce }

// appendName appends a 1-byte length prefix and the name bytes, truncating
// anything past what the prefix can represent.
func appendName(buf []byte, s string) []byte {
	if len(s) > maxNameLen {
		s = s[:maxNameLen]
	}
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

// appendText appends a 2-byte big-endian length prefix and the text bytes.
func appendText(buf []byte, s string) []byte {
	if len(s) > maxTextLen {
		s = s[:maxTextLen]
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func (m Chat) appendTo(buf []byte) []byte {
	buf = append(buf, byte(TypeChat))
	buf = appendName(buf, m.From)
	return appendText(buf, m.Text)
}

func (m Ping) appendTo(buf []byte) []byte {
	buf = append(buf, byte(TypePing))
	return binary.BigEndian.AppendUint32(buf, m.Seq)
}

func (m Pong) appendTo(buf []byte) []byte {
	buf = append(buf, byte(TypePong))
	return binary.BigEndian.AppendUint32(buf, m.Seq)
}

func (m Join) appendTo(buf []byte) []byte {
	buf = append(buf, byte(TypeJoin))
	return appendName(buf, m.Name)
}

func (m Leave) appendTo(buf []byte) []byte {
	buf = append(buf, byte(TypeLeave))
	return appendName(buf, m.Name)
}

func (m CallRequest) appendTo(buf []byte) []byte {
	buf = append(buf, byte(TypeCallRequest))
	return appendName(buf, m.From)
}

func (m CallHangup) appendTo(buf []byte) []byte {
	buf = append(buf, byte(TypeCallHangup))
	return appendName(buf, m.From)
}

func (m CallReject) appendTo(buf []byte) []byte {
	buf = append(buf, byte(TypeCallReject))
	return appendName(buf, m.From)
}

func (m StreamFrame) appendTo(buf []byte) []byte {
	buf = append(buf, byte(TypeStreamFrame))
	buf = appendName(buf, m.From)
	lines := m.Lines
	if len(lines) > 255 {
		lines = lines[:255]
	}
	buf = append(buf, byte(len(lines)))
	for _, line := range lines {
		buf = appendText(buf, line)
	}
	return buf
}

func (m VideoFrame) appendTo(buf []byte) []byte {
	buf = append(buf, byte(TypeVideoFrame))
	buf = appendName(buf, m.From)
	buf = binary.BigEndian.AppendUint16(buf, m.Width)
	buf = binary.BigEndian.AppendUint16(buf, m.Height)
	compressed := Compress(m.Pixels)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Pixels)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(compressed)))
	return append(buf, compressed...)
}

func (m VideoFrameFragment) appendTo(buf []byte) []byte {
	buf = append(buf, byte(TypeVideoFrameFragment))
	buf = appendName(buf, m.From)
	buf = binary.BigEndian.AppendUint16(buf, m.Width)
	buf = binary.BigEndian.AppendUint16(buf, m.Height)
	buf = append(buf, m.FrameID, m.FragmentIndex, m.TotalFragments)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Data)))
	return append(buf, m.Data...)
}

func (m DiscoveryAnnounce) appendTo(buf []byte) []byte {
	buf = append(buf, byte(TypeDiscoveryAnnounce))
	buf = binary.BigEndian.AppendUint16(buf, m.Port)
	return appendName(buf, m.Name)
}
