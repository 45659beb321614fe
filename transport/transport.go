package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wormhole/protocol"
)

const (
	// DefaultPort is the default data port.
	DefaultPort uint16 = 7890

	// SafeFragmentSize keeps each fragment datagram under typical path MTU
	// (1500) so the IP layer never fragments; IP fragmentation loses whole
	// frames to a single dropped piece.
	SafeFragmentSize = 1400

	// FragmentTTL bounds how long an incomplete reassembly buffer may live.
	FragmentTTL = 2 * time.Second

	// LeaveGracePeriod suppresses rediscovery of an address right after its
	// Leave, so a stale broadcast crossing the Leave in flight does not
	// resurrect the peer.
	LeaveGracePeriod = 2 * time.Second

	// PeerTimeout is how long a silent peer stays in the table.
	PeerTimeout = 30 * time.Second

	// placeholderName labels a peer we connected to before any reply named it.
	placeholderName = "unknown"

	readPollInterval = 250 * time.Millisecond
	maxDatagramSize  = 65535
)

// Config carries the tunable constants of a NetworkNode. Zero-value fields
// fall back to the package defaults; tests shrink the timing knobs.
type Config struct {
	Name            string
	Port            uint16
	MaxFragmentSize int
	FragmentTTL     time.Duration
	LeaveGrace      time.Duration
	ChannelBuffer   int
}

// DefaultConfig returns the production configuration for a node.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		Port:            DefaultPort,
		MaxFragmentSize: SafeFragmentSize,
		FragmentTTL:     FragmentTTL,
		LeaveGrace:      LeaveGracePeriod,
		ChannelBuffer:   32,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxFragmentSize <= 0 {
		c.MaxFragmentSize = SafeFragmentSize
	}
	if c.FragmentTTL <= 0 {
		c.FragmentTTL = FragmentTTL
	}
	if c.LeaveGrace <= 0 {
		c.LeaveGrace = LeaveGracePeriod
	}
	if c.ChannelBuffer <= 0 {
		c.ChannelBuffer = 32
	}
}

// Peer is one live entry in the table.
type Peer struct {
	Name     string
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// Envelope pairs a decoded message with its sender.
type Envelope struct {
	Message protocol.Message
	Addr    *net.UDPAddr
}

// NetworkNode is the UDP endpoint of this process: one socket, the peer
// table, and the video-frame reassembly state.
type NetworkNode struct {
	cfg       Config
	conn      net.PacketConn
	localAddr *net.UDPAddr
	messages  chan Envelope

	mu           sync.Mutex
	publicAddr   *net.UDPAddr
	peers        []Peer
	knownAddrs   map[string]struct{}
	recentlyLeft map[string]time.Time
	buffers      map[fragmentKey]*fragmentBuffer
	completed    map[fragmentKey]time.Time
}

// NewNetworkNode binds the data socket. A bind failure is fatal to the
// node; everything after construction degrades per-operation instead.
func NewNetworkNode(cfg Config) (*NetworkNode, error) {
	cfg.applyDefaults()

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("bind data socket: %w", err)
	}

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewNetworkNode",
		"name":     cfg.Name,
		"addr":     localAddr.String(),
	}).Info("Network node listening")

	return &NetworkNode{
		cfg:          cfg,
		conn:         conn,
		localAddr:    localAddr,
		messages:     make(chan Envelope, cfg.ChannelBuffer),
		knownAddrs:   make(map[string]struct{}),
		recentlyLeft: make(map[string]time.Time),
		buffers:      make(map[fragmentKey]*fragmentBuffer),
		completed:    make(map[fragmentKey]time.Time),
	}, nil
}

// Name returns the node's display name.
func (n *NetworkNode) Name() string { return n.cfg.Name }

// LocalAddr returns the bound address.
func (n *NetworkNode) LocalAddr() *net.UDPAddr { return n.localAddr }

// PublicAddr returns the STUN-discovered public endpoint, if any.
func (n *NetworkNode) PublicAddr() *net.UDPAddr {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.publicAddr
}

// SetPublicAddr records the STUN-discovered public endpoint.
func (n *NetworkNode) SetPublicAddr(addr *net.UDPAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.publicAddr = addr
}

// Messages returns the channel of decoded inbound messages. Datagrams that
// fail to decode never appear here; when the consumer lags, messages are
// dropped rather than backing up the socket.
func (n *NetworkNode) Messages() <-chan Envelope { return n.messages }

// Run reads datagrams until ctx is cancelled. Malformed datagrams are
// dropped silently; per-read errors are logged and never fatal.
func (n *NetworkNode) Run(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Short deadline so cancellation is observed promptly.
		_ = n.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		size, addr, err := n.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			logrus.WithError(err).Debug("Data socket read failed")
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok || size == 0 {
			continue
		}

		msg, ok := protocol.Decode(buf[:size])
		if !ok {
			logrus.WithFields(logrus.Fields{
				"from": udpAddr.String(),
				"size": size,
			}).Debug("Dropped undecodable datagram")
			continue
		}

		select {
		case n.messages <- Envelope{Message: msg, Addr: udpAddr}:
		default:
			logrus.WithField("type", fmt.Sprintf("0x%02x", byte(msg.Type()))).
				Debug("Message channel full, dropping")
		}
	}
}

// SendTo encodes and sends one datagram.
func (n *NetworkNode) SendTo(msg protocol.Message, addr net.Addr) error {
	if _, err := n.conn.WriteTo(protocol.Encode(msg), addr); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

// Broadcast sends a message to every live peer. Fan-out is best effort,
// not atomic: individual send failures are logged and swallowed.
func (n *NetworkNode) Broadcast(msg protocol.Message) {
	data := protocol.Encode(msg)
	for _, peer := range n.Peers() {
		if _, err := n.conn.WriteTo(data, peer.Addr); err != nil {
			logrus.WithError(err).WithField("peer", peer.Addr.String()).
				Debug("Broadcast send failed")
		}
	}
}

// SendChat broadcasts a chat line under the node's own name.
func (n *NetworkNode) SendChat(text string) {
	n.Broadcast(protocol.Chat{From: n.cfg.Name, Text: text})
}

// AddPeer upserts a peer. Adding the node's own local or public address is
// a no-op, so reflected announcements never create a self-peer.
func (n *NetworkNode) AddPeer(name string, addr *net.UDPAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := addr.String()
	if key == n.localAddr.String() || (n.publicAddr != nil && key == n.publicAddr.String()) {
		return
	}

	n.knownAddrs[key] = struct{}{}

	for i := range n.peers {
		if n.peers[i].Addr.String() == key {
			n.peers[i].Name = name
			n.peers[i].LastSeen = time.Now()
			return
		}
	}
	n.peers = append(n.peers, Peer{Name: name, Addr: addr, LastSeen: time.Now()})

	logrus.WithFields(logrus.Fields{
		"function": "AddPeer",
		"peer":     name,
		"addr":     key,
	}).Info("Peer added")
}

// RemovePeer drops a peer and starts its departure grace period.
func (n *NetworkNode) RemovePeer(addr *net.UDPAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := addr.String()
	for i := range n.peers {
		if n.peers[i].Addr.String() == key {
			n.peers = append(n.peers[:i], n.peers[i+1:]...)
			break
		}
	}
	n.recentlyLeft[key] = time.Now()
}

// PrunePeers removes and returns every peer silent for longer than timeout.
// The caller owns user-visible notification for the pruned peers.
func (n *NetworkNode) PrunePeers(timeout time.Duration) []Peer {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	var pruned []Peer
	kept := n.peers[:0]
	for _, peer := range n.peers {
		if now.Sub(peer.LastSeen) >= timeout {
			pruned = append(pruned, peer)
		} else {
			kept = append(kept, peer)
		}
	}
	n.peers = kept
	return pruned
}

// HasPeer reports whether addr is a live, unexpired peer.
func (n *NetworkNode) HasPeer(addr *net.UDPAddr, timeout time.Duration) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := addr.String()
	now := time.Now()
	for _, peer := range n.peers {
		if peer.Addr.String() == key && now.Sub(peer.LastSeen) < timeout {
			return true
		}
	}
	return false
}

// KnowsPeer reports whether this address was ever connected to. Known
// addresses survive peer removal, which is how first contact is told apart
// from a reconnection.
func (n *NetworkNode) KnowsPeer(addr *net.UDPAddr) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.knownAddrs[addr.String()]
	return ok
}

// RecentlyLeft reports whether addr sent a Leave within the grace period,
// evicting entries older than the window as it goes.
func (n *NetworkNode) RecentlyLeft(addr *net.UDPAddr) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	for key, leftAt := range n.recentlyLeft {
		if now.Sub(leftAt) >= n.cfg.LeaveGrace {
			delete(n.recentlyLeft, key)
		}
	}
	_, ok := n.recentlyLeft[addr.String()]
	return ok
}

// TouchPeer refreshes a peer's last-seen time.
func (n *NetworkNode) TouchPeer(addr *net.UDPAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := addr.String()
	for i := range n.peers {
		if n.peers[i].Addr.String() == key {
			n.peers[i].LastSeen = time.Now()
			return
		}
	}
}

// Peers returns a snapshot of the live table in insertion order.
func (n *NetworkNode) Peers() []Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Peer, len(n.peers))
	copy(out, n.peers)
	return out
}

// PeerCount returns the number of live peers.
func (n *NetworkNode) PeerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

// ConnectToPeer sends a Join and provisionally adds the peer under a
// placeholder name; the first reply carries the real one.
func (n *NetworkNode) ConnectToPeer(addr *net.UDPAddr) error {
	if err := n.SendTo(protocol.Join{Name: n.cfg.Name}, addr); err != nil {
		return err
	}
	n.AddPeer(placeholderName, addr)
	return nil
}

// Close broadcasts a best-effort Leave to every live peer and releases the
// socket.
func (n *NetworkNode) Close() error {
	n.Broadcast(protocol.Leave{Name: n.cfg.Name})
	return n.conn.Close()
}
