package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultPort is the well-known discovery port.
	DefaultPort = 7891

	// DefaultInterval is how often an announce is broadcast.
	DefaultInterval = 10 * time.Second

	readPollInterval = 1 * time.Second
	maxDatagramSize  = 2048
)

// DiscoveredPeer is a peer learned from a received announce. Addr
// combines the datagram's source IP with the announced data port.
type DiscoveredPeer struct {
	Name string
	Addr *net.UDPAddr
}

// Config controls a discovery Service.
type Config struct {
	// Name is the local node's display name, carried in announces and
	// used to ignore our own broadcasts.
	Name string

	// AnnouncePort is the data port advertised to other nodes.
	AnnouncePort uint16

	// Port is the discovery port to bind and announce on.
	Port int

	// Interval between periodic broadcasts.
	Interval time.Duration

	// BindIP restricts announces to a single interface address.
	// Nil or unspecified means all non-loopback interfaces.
	BindIP net.IP

	// ChannelBuffer sizes the discovered-peer channel.
	ChannelBuffer int
}

// DefaultConfig returns a Config with the standard port and interval.
func DefaultConfig(name string, announcePort uint16) Config {
	return Config{
		Name:          name,
		AnnouncePort:  announcePort,
		Port:          DefaultPort,
		Interval:      DefaultInterval,
		ChannelBuffer: 64,
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ChannelBuffer <= 0 {
		c.ChannelBuffer = 64
	}
}

// Service broadcasts periodic announces on the LAN and listens for
// announces from other nodes. Received announces from unknown senders
// trigger an immediate unicast reply so a new node learns the existing
// swarm without waiting a full interval.
type Service struct {
	cfg  Config
	conn *net.UDPConn

	peers    chan DiscoveredPeer
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	lastReply map[string]time.Time
}

// New binds the discovery socket. The socket is opened with address,
// port and broadcast reuse so several nodes on one host can share it.
func New(cfg Config) (*Service, error) {
	cfg.applyDefaults()

	lc := net.ListenConfig{Control: reuseBroadcastControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("bind discovery socket: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		conn:      pc.(*net.UDPConn),
		peers:     make(chan DiscoveredPeer, cfg.ChannelBuffer),
		stopChan:  make(chan struct{}),
		lastReply: make(map[string]time.Time),
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"port":     cfg.Port,
		"name":     cfg.Name,
	}).Info("Discovery service bound")

	return s, nil
}

// Start launches the broadcast and receive loops.
func (s *Service) Start() {
	s.wg.Add(2)
	go s.broadcastLoop()
	go s.receiveLoop()
}

// Stop terminates both loops and closes the socket. Safe to call more
// than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.conn.Close()
	})
	s.wg.Wait()
}

// Peers returns the channel of discovered peers. It is never closed;
// consumers should select against their own shutdown signal.
func (s *Service) Peers() <-chan DiscoveredPeer {
	return s.peers
}

func (s *Service) broadcastLoop() {
	defer s.wg.Done()

	s.announce()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.announce()
		}
	}
}

func (s *Service) announce() {
	packet := Announce{Name: s.cfg.Name, Port: s.cfg.AnnouncePort}.encode()

	for _, addr := range broadcastAddrs(s.cfg.BindIP, s.cfg.Port) {
		if _, err := s.conn.WriteToUDP(packet, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "announce",
				"target":   addr.String(),
				"error":    err,
			}).Debug("Broadcast send failed")
		}
	}
}

func (s *Service) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, srcAddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.stopChan:
				return
			default:
			}
			logrus.WithFields(logrus.Fields{
				"function": "receiveLoop",
				"error":    err,
			}).Debug("Discovery read error")
			continue
		}

		s.handleAnnounce(buf[:n], srcAddr)
	}
}

func (s *Service) handleAnnounce(data []byte, srcAddr *net.UDPAddr) {
	ann, ok := parseAnnounce(data)
	if !ok {
		return
	}
	if ann.Name == s.cfg.Name {
		return
	}

	peer := DiscoveredPeer{
		Name: ann.Name,
		Addr: &net.UDPAddr{IP: srcAddr.IP, Port: int(ann.Port)},
	}

	select {
	case s.peers <- peer:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleAnnounce",
			"peer":     ann.Name,
		}).Debug("Discovered-peer channel full, dropping")
	}

	s.maybeReply(srcAddr)
}

// maybeReply sends our own announce back to the sender so both sides
// learn each other from a single broadcast. Replies to any one sender
// are limited to once per interval to keep two fresh nodes from
// ping-ponging announces.
func (s *Service) maybeReply(srcAddr *net.UDPAddr) {
	key := srcAddr.String()
	now := time.Now()

	s.mu.Lock()
	last, seen := s.lastReply[key]
	if seen && now.Sub(last) < s.cfg.Interval {
		s.mu.Unlock()
		return
	}
	s.lastReply[key] = now
	s.mu.Unlock()

	packet := Announce{Name: s.cfg.Name, Port: s.cfg.AnnouncePort}.encode()
	if _, err := s.conn.WriteToUDP(packet, srcAddr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "maybeReply",
			"target":   key,
			"error":    err,
		}).Debug("Announce reply failed")
	}
}
