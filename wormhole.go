package wormhole

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wormhole/discovery"
	"github.com/opd-ai/wormhole/protocol"
	"github.com/opd-ai/wormhole/transport"
)

const (
	// DefaultPruneInterval is how often the peer table is swept for
	// silent peers. Each sweep also pings the swarm so healthy peers
	// keep refreshing their entries.
	DefaultPruneInterval = 5 * time.Second
)

// PeerEventType classifies a change in the peer table.
type PeerEventType int

const (
	// PeerJoined fires when a peer announces itself with a Join.
	PeerJoined PeerEventType = iota
	// PeerLeft fires when a peer announces departure with a Leave.
	PeerLeft
	// PeerTimedOut fires when a peer goes silent past the timeout.
	PeerTimedOut
)

// PeerEvent describes one peer-table change.
type PeerEvent struct {
	Type PeerEventType
	Name string
	Addr *net.UDPAddr
}

// Options configures a Node. Create with NewOptions and modify before
// calling New.
type Options struct {
	// Name is this node's display name on the network.
	Name string

	// Port is the UDP data port. Zero picks an ephemeral port.
	Port int

	// DiscoveryPort is the shared LAN discovery port.
	DiscoveryPort int

	// BindIP restricts discovery broadcasts to one interface address.
	BindIP net.IP

	// StaticPeers are "host:port" data addresses to connect to at
	// startup, for peers broadcast discovery cannot reach.
	StaticPeers []string

	// EnableDiscovery turns on broadcast LAN discovery.
	EnableDiscovery bool

	// EnableSTUN queries public STUN servers for our public endpoint.
	EnableSTUN bool

	// EnableUPnP asks the local gateway to forward the data port.
	EnableUPnP bool

	// PeerTimeout is how long a peer may stay silent before it is
	// pruned from the table.
	PeerTimeout time.Duration

	// PruneInterval is the sweep and ping cadence.
	PruneInterval time.Duration
}

// NewOptions returns Options with discovery, STUN, and UPnP all enabled
// and the standard ports and timeouts. Each degrades to a logged warning
// when its network dependency is missing, so the defaults are safe
// everywhere; tests and embedded uses switch them off.
func NewOptions(name string) *Options {
	return &Options{
		Name:            name,
		Port:            int(transport.DefaultPort),
		DiscoveryPort:   discovery.DefaultPort,
		EnableDiscovery: true,
		EnableSTUN:      true,
		EnableUPnP:      true,
		PeerTimeout:     transport.PeerTimeout,
		PruneInterval:   DefaultPruneInterval,
	}
}

// Node is one participant in the swarm. It owns the data socket, the
// peer table, and the optional discovery service, and runs the loops
// that keep them consistent.
type Node struct {
	opts *Options
	node *transport.NetworkNode
	disc *discovery.Service

	externalAddr *net.UDPAddr

	messages chan transport.Envelope
	events   chan PeerEvent

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	pingSeq uint32
	frameID uint8
}

// New constructs a Node. Binding the data socket is the only fatal
// step; STUN, UPnP, static-peer dials, and discovery all degrade to a
// logged warning so a node still works on a plain LAN.
func New(opts *Options) (*Node, error) {
	if opts.PeerTimeout <= 0 {
		opts.PeerTimeout = transport.PeerTimeout
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = DefaultPruneInterval
	}

	cfg := transport.DefaultConfig(opts.Name)
	cfg.Port = uint16(opts.Port)
	// A fragmented video frame arrives as a burst of datagrams; the
	// channel must absorb a full burst while the dispatch loop drains it.
	cfg.ChannelBuffer = 256
	tn, err := transport.NewNetworkNode(cfg)
	if err != nil {
		return nil, fmt.Errorf("start network node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		opts:     opts,
		node:     tn,
		messages: make(chan transport.Envelope, 256),
		events:   make(chan PeerEvent, 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	if opts.EnableSTUN {
		n.discoverPublicAddr()
	}
	if opts.EnableUPnP {
		n.setupPortForward()
	}

	for _, target := range opts.StaticPeers {
		n.connectStatic(target)
	}

	if opts.EnableDiscovery {
		dcfg := discovery.DefaultConfig(opts.Name, uint16(tn.LocalAddr().Port))
		dcfg.Port = opts.DiscoveryPort
		dcfg.BindIP = opts.BindIP
		svc, err := discovery.New(dcfg)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "New",
				"error":    err,
			}).Warn("LAN discovery unavailable")
		} else {
			n.disc = svc
		}
	}

	return n, nil
}

// discoverPublicAddr queries the STUN servers and records our public
// endpoint on the node. The query runs on its own ephemeral socket, so
// only the IP is trusted; the port stays the data port.
func (n *Node) discoverPublicAddr() {
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	addr, err := transport.NewSTUNClient().DiscoverPublicAddress(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "discoverPublicAddr",
			"error":    err,
		}).Warn("STUN discovery failed")
		return
	}
	public := &net.UDPAddr{IP: addr.IP, Port: n.node.LocalAddr().Port}
	n.node.SetPublicAddr(public)
	logrus.WithFields(logrus.Fields{
		"function": "discoverPublicAddr",
		"addr":     public.String(),
	}).Info("Public address discovered")
}

func (n *Node) setupPortForward() {
	ctx, cancel := context.WithTimeout(n.ctx, transport.GatewaySearchTimeout)
	defer cancel()

	port := uint16(n.node.LocalAddr().Port)
	bindIP := ""
	if n.opts.BindIP != nil {
		bindIP = n.opts.BindIP.String()
	}
	ext, err := transport.SetupPortForward(ctx, port, port, "wormhole "+n.opts.Name, bindIP)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "setupPortForward",
			"error":    err,
		}).Warn("UPnP port forward failed")
		return
	}
	n.externalAddr = ext
	logrus.WithFields(logrus.Fields{
		"function": "setupPortForward",
		"addr":     ext.String(),
	}).Info("Router port mapping established")
}

func (n *Node) connectStatic(target string) {
	addr, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "connectStatic",
			"target":   target,
			"error":    err,
		}).Warn("Bad static peer address")
		return
	}
	if err := n.node.ConnectToPeer(addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "connectStatic",
			"target":   target,
			"error":    err,
		}).Warn("Static peer dial failed")
	}
}

// Start launches the receive, discovery, and prune loops.
func (n *Node) Start() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.node.Run(n.ctx)
	}()

	n.wg.Add(1)
	go n.dispatchLoop()

	n.wg.Add(1)
	go n.pruneLoop()

	if n.disc != nil {
		n.disc.Start()
		n.wg.Add(1)
		go n.discoveryLoop()
	}
}

// Stop announces departure, closes the sockets, and waits for every
// loop to exit. Safe to call more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if n.disc != nil {
			n.disc.Stop()
		}
		n.node.Close()
		n.cancel()
	})
	n.wg.Wait()
}

// Messages returns decoded application messages: chat, call control,
// terminal stream frames, and reassembled video frames. Protocol
// housekeeping (ping, join, leave, fragments) is consumed internally.
func (n *Node) Messages() <-chan transport.Envelope { return n.messages }

// Events returns peer-table change notifications.
func (n *Node) Events() <-chan PeerEvent { return n.events }

// Peers returns a snapshot of the live peer table.
func (n *Node) Peers() []transport.Peer { return n.node.Peers() }

// LocalAddr returns the data socket's bound address.
func (n *Node) LocalAddr() *net.UDPAddr { return n.node.LocalAddr() }

// PublicAddr returns the STUN-discovered public endpoint, or nil.
func (n *Node) PublicAddr() *net.UDPAddr { return n.node.PublicAddr() }

// ExternalAddr returns the UPnP-mapped router endpoint, or nil.
func (n *Node) ExternalAddr() *net.UDPAddr { return n.externalAddr }

// SendChat broadcasts a chat message to every live peer.
func (n *Node) SendChat(text string) { n.node.SendChat(text) }

// RequestCall broadcasts a video call request.
func (n *Node) RequestCall() {
	n.node.Broadcast(protocol.CallRequest{From: n.opts.Name})
}

// HangupCall broadcasts the end of a call.
func (n *Node) HangupCall() {
	n.node.Broadcast(protocol.CallHangup{From: n.opts.Name})
}

// RejectCall broadcasts a call rejection.
func (n *Node) RejectCall() {
	n.node.Broadcast(protocol.CallReject{From: n.opts.Name})
}

// SendStreamFrame broadcasts one frame of terminal-rendered video.
func (n *Node) SendStreamFrame(lines []string) {
	n.node.Broadcast(protocol.StreamFrame{From: n.opts.Name, Lines: lines})
}

// SendVideoFrame compresses and fragments one raw frame and sends it to
// every live peer. The frame id wraps at 255; receivers key reassembly
// on (sender, id), so a wrapped id only collides with a frame at least
// 255 frames stale, which the reassembly TTL has long evicted.
func (n *Node) SendVideoFrame(width, height uint16, pixels []byte) error {
	n.mu.Lock()
	id := n.frameID
	n.frameID++
	n.mu.Unlock()

	var firstErr error
	for _, peer := range n.node.Peers() {
		err := n.node.SendVideoFrame(n.opts.Name, width, height, pixels, id, peer.Addr)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// dispatchLoop consumes decoded datagrams from the transport, maintains
// the peer table, answers pings, reassembles video fragments, and
// forwards application messages.
func (n *Node) dispatchLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case env := <-n.node.Messages():
			n.handleMessage(env)
		}
	}
}

func (n *Node) handleMessage(env transport.Envelope) {
	n.node.TouchPeer(env.Addr)

	switch msg := env.Message.(type) {
	case protocol.Ping:
		if err := n.node.SendTo(protocol.Pong{Seq: msg.Seq}, env.Addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleMessage",
				"peer":     env.Addr.String(),
				"error":    err,
			}).Debug("Pong reply failed")
		}
	case protocol.Pong:
		// Liveness only; TouchPeer above did the work.
	case protocol.Join:
		n.node.AddPeer(msg.Name, env.Addr)
		n.emitEvent(PeerEvent{Type: PeerJoined, Name: msg.Name, Addr: env.Addr})
	case protocol.Leave:
		n.node.RemovePeer(env.Addr)
		n.emitEvent(PeerEvent{Type: PeerLeft, Name: msg.Name, Addr: env.Addr})
	case protocol.DiscoveryAnnounce:
		n.handleDiscovered(msg.Name, &net.UDPAddr{IP: env.Addr.IP, Port: int(msg.Port)})
	case protocol.VideoFrameFragment:
		if frame, ok := n.node.ProcessFragment(msg); ok {
			n.forward(transport.Envelope{Message: frame, Addr: env.Addr})
		}
	default:
		n.forward(env)
	}
}

// handleDiscovered decides what to do with a peer learned from an
// announce: refresh it if known, respect a recent Leave, otherwise dial
// it.
func (n *Node) handleDiscovered(name string, addr *net.UDPAddr) {
	if n.node.HasPeer(addr, n.opts.PeerTimeout) {
		n.node.TouchPeer(addr)
		return
	}
	if n.node.RecentlyLeft(addr) {
		return
	}
	if err := n.node.ConnectToPeer(addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleDiscovered",
			"peer":     addr.String(),
			"error":    err,
		}).Debug("Discovered peer dial failed")
		return
	}
	if name != "" {
		n.node.AddPeer(name, addr)
	}
}

func (n *Node) discoveryLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case peer := <-n.disc.Peers():
			n.handleDiscovered(peer.Name, peer.Addr)
		}
	}
}

// pruneLoop pings the swarm and evicts silent peers on one cadence.
func (n *Node) pruneLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.opts.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.mu.Lock()
			n.pingSeq++
			seq := n.pingSeq
			n.mu.Unlock()
			n.node.Broadcast(protocol.Ping{Seq: seq})

			for _, peer := range n.node.PrunePeers(n.opts.PeerTimeout) {
				n.emitEvent(PeerEvent{Type: PeerTimedOut, Name: peer.Name, Addr: peer.Addr})
			}
		}
	}
}

func (n *Node) forward(env transport.Envelope) {
	select {
	case n.messages <- env:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "forward",
			"type":     fmt.Sprintf("0x%02X", byte(env.Message.Type())),
		}).Debug("Application channel full, dropping message")
	}
}

func (n *Node) emitEvent(ev PeerEvent) {
	select {
	case n.events <- ev:
	default:
	}
}
