package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// STUNClient discovers this node's externally visible endpoint with a
// one-shot binding request. It uses its own ephemeral socket rather than
// the data socket, so the discovered port is informational; the public IP
// is the value callers actually need.
type STUNClient struct {
	Servers []string
	Timeout time.Duration
}

// NewSTUNClient returns a client with the default public server list.
func NewSTUNClient() *STUNClient {
	return &STUNClient{
		Servers: []string{
			"stun.l.google.com:19302",
			"stun1.l.google.com:19302",
			"stun2.l.google.com:19302",
			"stun.cloudflare.com:3478",
		},
		Timeout: 3 * time.Second,
	}
}

// DiscoverPublicAddress tries each server in order and returns the first
// well-formed mapped address. If every server fails it returns one
// aggregate error; callers treat that as a non-fatal degradation.
func (c *STUNClient) DiscoverPublicAddress(ctx context.Context) (*net.UDPAddr, error) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("bind STUN socket: %w", err)
	}
	defer conn.Close()

	var lastErr error
	for _, server := range c.Servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		addr, err := c.query(conn, server)
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "DiscoverPublicAddress",
				"server":   server,
				"addr":     addr.String(),
			}).Info("Public endpoint discovered")
			return addr, nil
		}
		logrus.WithError(err).WithField("server", server).Debug("STUN attempt failed")
		lastErr = err
	}
	return nil, fmt.Errorf("all STUN servers failed, last error: %w", lastErr)
}

// query sends one binding request to server and waits for the matching
// response on the shared socket.
func (c *STUNClient) query(conn *net.UDPConn, server string) (*net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", server, err)
	}

	request, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("build binding request: %w", err)
	}

	if _, err := conn.WriteToUDP(request.Raw, serverAddr); err != nil {
		return nil, fmt.Errorf("send to %s: %w", server, err)
	}

	deadline := time.Now().Add(c.Timeout)
	_ = conn.SetReadDeadline(deadline)

	buf := make([]byte, 1024)
	for time.Now().Before(deadline) {
		size, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, fmt.Errorf("read from %s: %w", server, err)
		}

		response := &stun.Message{Raw: append([]byte(nil), buf[:size]...)}
		if err := response.Decode(); err != nil {
			continue
		}
		// A stale response from a previous attempt can still be in flight.
		if response.TransactionID != request.TransactionID {
			continue
		}

		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(response); err == nil {
			return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
		}
		var mappedAddr stun.MappedAddress
		if err := mappedAddr.GetFrom(response); err == nil {
			return &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
		}
		return nil, fmt.Errorf("no mapped address in response from %s", server)
	}
	return nil, fmt.Errorf("timed out waiting for %s", server)
}
