package discovery

import (
	"bytes"
	"encoding/binary"
	"strings"
	"unicode/utf8"
)

// magic identifies wormhole discovery datagrams on the shared port.
var magic = []byte("ACMSWRMH")

// typeAnnounce is the only message in the reply-on-receipt scheme.
const typeAnnounce = 0x01

// Announce carries a node's name and the data port it accepts traffic on.
// The sender's IP comes from the datagram itself.
type Announce struct {
	Name string
	Port uint16
}

// encode lays out magic, type byte, 2-byte big-endian port, then the
// 1-byte-length-prefixed name.
func (a Announce) encode() []byte {
	name := a.Name
	if len(name) > 255 {
		name = name[:255]
	}
	buf := make([]byte, 0, len(magic)+4+len(name))
	buf = append(buf, magic...)
	buf = append(buf, typeAnnounce)
	buf = binary.BigEndian.AppendUint16(buf, a.Port)
	buf = append(buf, byte(len(name)))
	return append(buf, name...)
}

// parseAnnounce decodes one discovery datagram. Anything without the magic
// prefix, with an unknown type byte, or truncated is rejected.
func parseAnnounce(data []byte) (Announce, bool) {
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return Announce{}, false
	}
	body := data[len(magic):]
	if body[0] != typeAnnounce {
		return Announce{}, false
	}
	body = body[1:]
	if len(body) < 3 {
		return Announce{}, false
	}
	port := binary.BigEndian.Uint16(body[:2])
	nameLen := int(body[2])
	body = body[3:]
	if len(body) != nameLen {
		return Announce{}, false
	}
	name := string(body)
	if !utf8.ValidString(name) {
		name = strings.ToValidUTF8(name, "�")
	}
	return Announce{Name: name, Port: port}, true
}
