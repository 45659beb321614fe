package protocol

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"single byte", []byte{0x42}},
		{"small", []byte{0, 128, 255, 64, 192}},
		{"repetitive", bytes.Repeat([]byte{0xAA, 0xBB}, 50000)},
		{"zeros 200k", make([]byte, 200000)},
	}

	// Incompressible input exercises the raw fallback.
	random := make([]byte, 100000)
	rng.Read(random)
	tests = append(tests, struct {
		name string
		data []byte
	}{"random", random})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := Compress(tt.data)
			out, err := Decompress(block)
			require.NoError(t, err)
			assert.Equal(t, tt.data, out)
		})
	}
}

func TestCompressShrinksRepetitiveInput(t *testing.T) {
	data := bytes.Repeat([]byte{7}, 100000)
	block := Compress(data)
	assert.Less(t, len(block), len(data)/10)
}

func TestDecompressRejectsBadBlocks(t *testing.T) {
	tests := []struct {
		name  string
		block []byte
	}{
		{"nil", nil},
		{"short header", []byte{0, 0, 0}},
		{"unknown method", []byte{0, 0, 0, 1, 0xEE, 0x00}},
		{"raw length mismatch", []byte{0, 0, 0, 5, methodRaw, 1, 2}},
		{"oversized declared length", []byte{0xFF, 0xFF, 0xFF, 0xFF, methodLZ4, 0}},
		{"garbage lz4 payload", []byte{0, 0, 0, 16, methodLZ4, 0xFF, 0xFF, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decompress(tt.block)
			assert.Error(t, err)
		})
	}
}

func TestDecompressTruncatedValidBlock(t *testing.T) {
	block := Compress(bytes.Repeat([]byte{3}, 1000))
	for cut := 0; cut < len(block); cut++ {
		_, err := Decompress(block[:cut])
		assert.Error(t, err, "cut at %d", cut)
	}
}
