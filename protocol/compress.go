package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Pixel buffers travel as self-framing blocks so the receiver can size its
// output buffer before decompressing:
//
//	[uncompressed length (4 bytes, big-endian)][method (1 byte)][payload]
//
// Incompressible input is stored verbatim under methodRaw; LZ4 block
// compression can expand such input past the original size.
const (
	methodRaw byte = 0x00
	methodLZ4 byte = 0x01

	blockHeaderSize = 5

	// maxBlockSize caps the decode-side allocation. The largest legitimate
	// frame is a full-resolution grayscale webcam capture, far below this.
	maxBlockSize = 1 << 24
)

var (
	// ErrBlockTruncated reports a block shorter than its own framing.
	ErrBlockTruncated = errors.New("compressed block truncated")
	// ErrBlockTooLarge reports a declared size above maxBlockSize.
	ErrBlockTooLarge = errors.New("compressed block too large")
)

// Compress frames src into a self-describing block. It never fails; input
// that LZ4 cannot shrink is stored raw.
func Compress(src []byte) []byte {
	out := make([]byte, blockHeaderSize, blockHeaderSize+lz4.CompressBlockBound(len(src)))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(src)))

	var c lz4.Compressor
	out = out[:blockHeaderSize+lz4.CompressBlockBound(len(src))]
	n, err := c.CompressBlock(src, out[blockHeaderSize:])
	if err != nil || n == 0 || n >= len(src) {
		out = append(out[:blockHeaderSize], src...)
		out[4] = methodRaw
		return out
	}
	out[4] = methodLZ4
	return out[:blockHeaderSize+n]
}

// Decompress reverses Compress, validating the framing and the exact
// decompressed length before returning the payload.
func Decompress(block []byte) ([]byte, error) {
	if len(block) < blockHeaderSize {
		return nil, ErrBlockTruncated
	}
	size := binary.BigEndian.Uint32(block[0:4])
	if size > maxBlockSize {
		return nil, ErrBlockTooLarge
	}
	payload := block[blockHeaderSize:]

	switch block[4] {
	case methodRaw:
		if len(payload) != int(size) {
			return nil, fmt.Errorf("raw block length %d, header says %d", len(payload), size)
		}
		out := make([]byte, size)
		copy(out, payload)
		return out, nil

	case methodLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != int(size) {
			return nil, fmt.Errorf("lz4 block produced %d bytes, header says %d", n, size)
		}
		return out, nil
	}

	return nil, fmt.Errorf("unknown compression method 0x%02x", block[4])
}
