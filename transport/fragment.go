package transport

import (
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wormhole/protocol"
)

// ErrFrameTooLarge reports a compressed frame needing more than 255
// fragments; the frame is not sent at all rather than truncated.
var ErrFrameTooLarge = errors.New("frame too large to fragment")

// fragmentKey identifies one reassembly buffer. Keying on the sender name
// as well as the frame id lets frames from different peers share the 8-bit
// id space.
type fragmentKey struct {
	from    string
	frameID uint8
}

// fragmentBuffer collects the shards of one compressed frame. Shards may
// land in any order; parts is indexed by fragment index.
type fragmentBuffer struct {
	width      uint16
	height     uint16
	total      uint8
	parts      [][]byte
	filled     int
	receivedAt time.Time
}

// SendVideoFrame compresses pixels once and sends them as one or more
// VideoFrameFragment datagrams, each at most MaxFragmentSize bytes of
// payload. frameID is the caller's wrapping 8-bit frame counter.
func (n *NetworkNode) SendVideoFrame(from string, width, height uint16, pixels []byte, frameID uint8, addr net.Addr) error {
	fragments, err := buildFragments(from, width, height, pixels, frameID, n.cfg.MaxFragmentSize)
	if err != nil {
		return err
	}
	for _, frag := range fragments {
		if err := n.SendTo(frag, addr); err != nil {
			return err
		}
	}
	return nil
}

// buildFragments splits one compressed frame into sendable fragments. A
// frame whose compressed form fits a single safe datagram still travels as
// a fragment with TotalFragments set to one, so the receive path is uniform.
func buildFragments(from string, width, height uint16, pixels []byte, frameID uint8, maxSize int) ([]protocol.VideoFrameFragment, error) {
	compressed := protocol.Compress(pixels)

	total := (len(compressed) + maxSize - 1) / maxSize
	if total == 0 {
		total = 1
	}
	if total > 255 {
		return nil, ErrFrameTooLarge
	}

	fragments := make([]protocol.VideoFrameFragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxSize
		end := start + maxSize
		if end > len(compressed) {
			end = len(compressed)
		}
		fragments = append(fragments, protocol.VideoFrameFragment{
			From:           from,
			Width:          width,
			Height:         height,
			FrameID:        frameID,
			FragmentIndex:  uint8(i),
			TotalFragments: uint8(total),
			Data:           compressed[start:end],
		})
	}
	return fragments, nil
}

// ProcessFragment stores one shard and, once its frame is complete,
// returns the reassembled VideoFrame. Buffers older than the fragment TTL
// are purged first regardless of completeness, and shards of a frame that
// was already consumed or expired are ignored.
func (n *NetworkNode) ProcessFragment(frag protocol.VideoFrameFragment) (protocol.VideoFrame, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	for key, buf := range n.buffers {
		if now.Sub(buf.receivedAt) >= n.cfg.FragmentTTL {
			delete(n.buffers, key)
		}
	}
	for key, doneAt := range n.completed {
		if now.Sub(doneAt) >= n.cfg.FragmentTTL {
			delete(n.completed, key)
		}
	}

	if frag.TotalFragments == 0 {
		return protocol.VideoFrame{}, false
	}

	key := fragmentKey{from: frag.From, frameID: frag.FrameID}
	if _, done := n.completed[key]; done {
		return protocol.VideoFrame{}, false
	}

	buf, ok := n.buffers[key]
	if !ok {
		buf = &fragmentBuffer{
			width:      frag.Width,
			height:     frag.Height,
			total:      frag.TotalFragments,
			parts:      make([][]byte, frag.TotalFragments),
			receivedAt: now,
		}
		n.buffers[key] = buf
	}

	if frag.FragmentIndex >= buf.total {
		return protocol.VideoFrame{}, false
	}
	if buf.parts[frag.FragmentIndex] == nil {
		buf.parts[frag.FragmentIndex] = frag.Data
		buf.filled++
	}

	if buf.filled < int(buf.total) {
		return protocol.VideoFrame{}, false
	}

	// Complete: consume the buffer exactly once.
	delete(n.buffers, key)
	n.completed[key] = now

	size := 0
	for _, part := range buf.parts {
		size += len(part)
	}
	compressed := make([]byte, 0, size)
	for _, part := range buf.parts {
		compressed = append(compressed, part...)
	}

	pixels, err := protocol.Decompress(compressed)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"from":     frag.From,
			"frame_id": frag.FrameID,
		}).Debug("Reassembled frame failed to decompress")
		return protocol.VideoFrame{}, false
	}

	return protocol.VideoFrame{
		From:   frag.From,
		Width:  buf.width,
		Height: buf.height,
		Pixels: pixels,
	}, true
}
