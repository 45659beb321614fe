// Package protocol defines the wormhole wire format.
//
// Every application-level event is one Message variant, encoded as a single
// tag byte followed by the variant's fields in declaration order. Variable
// length fields carry an explicit length prefix: 1 byte for names, 2 bytes
// big-endian for chat text, 4 bytes big-endian for binary payloads.
//
// Decode is total over its input space: truncated, oversized or otherwise
// adversarial byte strings yield no message, never a panic. Datagrams come
// straight off a UDP socket and must be treated as hostile.
package protocol
