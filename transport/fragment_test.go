package transport

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wormhole/protocol"
)

func testPixels(size int) []byte {
	rng := rand.New(rand.NewSource(int64(size)))
	pixels := make([]byte, size)
	rng.Read(pixels)
	return pixels
}

func TestBuildFragmentsSingleWhenSmall(t *testing.T) {
	fragments, err := buildFragments("bob", 8, 8, []byte{1, 2, 3}, 5, SafeFragmentSize)
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.Equal(t, uint8(1), fragments[0].TotalFragments)
	assert.Equal(t, uint8(0), fragments[0].FragmentIndex)
	assert.Equal(t, uint8(5), fragments[0].FrameID)
}

func TestBuildFragmentsCountMatchesCompressedSize(t *testing.T) {
	// Incompressible input, so the compressed block is a known small
	// delta above the input and must split across many fragments.
	pixels := testPixels(50000)
	fragments, err := buildFragments("bob", 320, 240, pixels, 1, SafeFragmentSize)
	require.NoError(t, err)

	compressedLen := 0
	for _, frag := range fragments {
		compressedLen += len(frag.Data)
		assert.LessOrEqual(t, len(frag.Data), SafeFragmentSize)
	}
	wantCount := (compressedLen + SafeFragmentSize - 1) / SafeFragmentSize
	assert.Len(t, fragments, wantCount)
	assert.Greater(t, wantCount, 1)
	for i, frag := range fragments {
		assert.Equal(t, uint8(i), frag.FragmentIndex)
		assert.Equal(t, uint8(wantCount), frag.TotalFragments)
	}
}

func TestBuildFragmentsRejectsOversizedFrame(t *testing.T) {
	// More than 255 fragments of incompressible input.
	pixels := testPixels(256*SafeFragmentSize + 1)
	_, err := buildFragments("bob", 640, 480, pixels, 1, SafeFragmentSize)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReassembleInOrder(t *testing.T) {
	node := newTestNode(t, "alice")
	pixels := testPixels(50000)
	fragments, err := buildFragments("bob", 320, 240, pixels, 7, SafeFragmentSize)
	require.NoError(t, err)

	for i, frag := range fragments {
		frame, done := node.ProcessFragment(frag)
		if i < len(fragments)-1 {
			assert.False(t, done, "frame complete after %d of %d fragments", i+1, len(fragments))
		} else {
			require.True(t, done)
			assert.Equal(t, protocol.VideoFrame{From: "bob", Width: 320, Height: 240, Pixels: pixels}, frame)
		}
	}

	node.mu.Lock()
	remaining := len(node.buffers)
	node.mu.Unlock()
	assert.Equal(t, 0, remaining, "buffer must be consumed on completion")
}

func TestReassembleReversedOrder(t *testing.T) {
	node := newTestNode(t, "alice")
	pixels := testPixels(20000)
	fragments, err := buildFragments("bob", 100, 200, pixels, 9, SafeFragmentSize)
	require.NoError(t, err)
	require.Greater(t, len(fragments), 1)

	var frame protocol.VideoFrame
	var done bool
	for i := len(fragments) - 1; i >= 0; i-- {
		frame, done = node.ProcessFragment(fragments[i])
		if i > 0 {
			assert.False(t, done)
		}
	}
	require.True(t, done)
	assert.Equal(t, pixels, frame.Pixels)
}

func TestReassembleEmptyFrame(t *testing.T) {
	node := newTestNode(t, "alice")
	fragments, err := buildFragments("bob", 0, 0, []byte{}, 0, SafeFragmentSize)
	require.NoError(t, err)
	require.Len(t, fragments, 1)

	frame, done := node.ProcessFragment(fragments[0])
	require.True(t, done)
	assert.Empty(t, frame.Pixels)
}

func TestDuplicateFragmentsAfterCompletionAreIgnored(t *testing.T) {
	node := newTestNode(t, "alice")
	fragments, err := buildFragments("bob", 8, 8, []byte{1, 2, 3, 4}, 3, SafeFragmentSize)
	require.NoError(t, err)

	_, done := node.ProcessFragment(fragments[0])
	require.True(t, done)

	// A late duplicate of the consumed frame must not start a new buffer
	// or produce the frame a second time.
	_, done = node.ProcessFragment(fragments[0])
	assert.False(t, done)
	node.mu.Lock()
	assert.Empty(t, node.buffers)
	node.mu.Unlock()
}

func TestIncompleteBufferExpires(t *testing.T) {
	node := newTestNode(t, "alice") // 50ms fragment TTL
	pixels := testPixels(6000)
	fragments, err := buildFragments("bob", 64, 64, pixels, 2, SafeFragmentSize)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(fragments), 5)

	// Deliver 3 of the fragments, then let the TTL lapse.
	for _, frag := range fragments[:3] {
		_, done := node.ProcessFragment(frag)
		require.False(t, done)
	}
	time.Sleep(60 * time.Millisecond)

	// Any fragment arrival purges expired buffers first.
	other, err := buildFragments("carol", 8, 8, []byte{9}, 0, SafeFragmentSize)
	require.NoError(t, err)
	node.ProcessFragment(other[0])

	node.mu.Lock()
	_, exists := node.buffers[fragmentKey{from: "bob", frameID: 2}]
	node.mu.Unlock()
	assert.False(t, exists, "expired incomplete buffer must be garbage collected")

	// Completing the rest after expiry starts over and stays incomplete.
	_, done := node.ProcessFragment(fragments[3])
	assert.False(t, done)
}

func TestFragmentsFromDifferentPeersDoNotCollide(t *testing.T) {
	node := newTestNode(t, "alice")
	pixelsA := testPixels(3000)
	pixelsB := testPixels(4000)

	fragsA, err := buildFragments("bob", 10, 10, pixelsA, 1, SafeFragmentSize)
	require.NoError(t, err)
	fragsB, err := buildFragments("carol", 20, 20, pixelsB, 1, SafeFragmentSize)
	require.NoError(t, err)

	// Interleave the two frames; both share frame id 1.
	for i := 0; i < len(fragsA) || i < len(fragsB); i++ {
		if i < len(fragsA) {
			frame, done := node.ProcessFragment(fragsA[i])
			if done {
				assert.Equal(t, pixelsA, frame.Pixels)
			}
		}
		if i < len(fragsB) {
			frame, done := node.ProcessFragment(fragsB[i])
			if done {
				assert.Equal(t, pixelsB, frame.Pixels)
			}
		}
	}
}

func TestSendVideoFrameTravelsEndToEnd(t *testing.T) {
	// Production timing here: reassembly must not race a shortened TTL.
	aliceCfg := DefaultConfig("alice")
	aliceCfg.Port = 0
	alice, err := NewNetworkNode(aliceCfg)
	require.NoError(t, err)
	defer alice.Close()

	bobCfg := DefaultConfig("bob")
	bobCfg.Port = 0
	bobCfg.ChannelBuffer = 256
	bob, err := NewNetworkNode(bobCfg)
	require.NoError(t, err)
	defer bob.Close()

	ctx, cancel := testContext(t)
	defer cancel()
	go bob.Run(ctx)

	pixels := testPixels(50000)
	target := udpAddr(t, "127.0.0.1:0")
	target.Port = bob.LocalAddr().Port
	require.NoError(t, alice.SendVideoFrame("alice", 320, 240, pixels, 11, target))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-bob.Messages():
			frag, ok := env.Message.(protocol.VideoFrameFragment)
			require.True(t, ok, "expected only fragments, got %#v", env.Message)
			if frame, done := bob.ProcessFragment(frag); done {
				assert.Equal(t, pixels, frame.Pixels)
				assert.Equal(t, uint16(320), frame.Width)
				assert.Equal(t, uint16(240), frame.Height)
				return
			}
		case <-deadline:
			t.Fatal("frame never reassembled")
		}
	}
}
