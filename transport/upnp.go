package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/sirupsen/logrus"
)

const (
	// upnpLeaseSeconds keeps mappings finite; some routers mishandle the
	// "permanent" lease of zero, so renew-on-restart is the safer contract.
	upnpLeaseSeconds = 3600

	// GatewaySearchTimeout bounds the SSDP search for an IGD.
	GatewaySearchTimeout = 10 * time.Second
)

// igdClient is the slice of the goupnp connection clients this negotiator
// needs; WANIPConnection1/2 and WANPPPConnection1 all satisfy it.
type igdClient interface {
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseSeconds uint32) error
	GetExternalIPAddress() (string, error)
}

// SetupPortForward asks the LAN gateway for a UDP mapping of externalPort
// to this host's internalPort and returns the externally reachable
// address. bindIP overrides local address autodetection when set. Every
// failure is non-fatal to the node: manual peer addressing still works.
func SetupPortForward(ctx context.Context, internalPort, externalPort uint16, description, bindIP string) (*net.UDPAddr, error) {
	localIP, err := localIPv4(bindIP)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, GatewaySearchTimeout)
	defer cancel()

	clients := discoverGatewayClients(ctx)
	if len(clients) == 0 {
		return nil, fmt.Errorf("no UPnP gateway found")
	}

	return requestMapping(clients, internalPort, externalPort, localIP, description)
}

// requestMapping tries each gateway client in order and returns the
// external address of the first accepted mapping.
func requestMapping(clients []igdClient, internalPort, externalPort uint16, localIP net.IP, description string) (*net.UDPAddr, error) {
	var lastErr error
	for _, client := range clients {
		err := client.AddPortMapping("", externalPort, "UDP", internalPort, localIP.String(), true, description, upnpLeaseSeconds)
		if err != nil {
			lastErr = err
			continue
		}

		externalIP, err := client.GetExternalIPAddress()
		if err != nil {
			lastErr = fmt.Errorf("query external IP: %w", err)
			continue
		}
		ip := net.ParseIP(externalIP)
		if ip == nil {
			lastErr = fmt.Errorf("gateway returned invalid external IP %q", externalIP)
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function":      "SetupPortForward",
			"internal":      fmt.Sprintf("%s:%d", localIP, internalPort),
			"external_port": externalPort,
			"external_ip":   externalIP,
		}).Info("UPnP port mapping established")

		return &net.UDPAddr{IP: ip, Port: int(externalPort)}, nil
	}
	return nil, fmt.Errorf("port mapping rejected by every gateway client: %w", lastErr)
}

// discoverGatewayClients collects every IGD connection client reachable on
// the LAN, most capable service first.
func discoverGatewayClients(ctx context.Context) []igdClient {
	var clients []igdClient

	if found, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx); err == nil {
		for _, c := range found {
			clients = append(clients, c)
		}
	}
	if found, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx); err == nil {
		for _, c := range found {
			clients = append(clients, c)
		}
	}
	if found, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx); err == nil {
		for _, c := range found {
			clients = append(clients, c)
		}
	}
	return clients
}

// localIPv4 resolves the IPv4 address to advertise to the gateway: the
// configured one when set, otherwise the source address the OS picks for
// outbound traffic. The "connected" UDP socket never sends anything; it
// only exposes the routing decision.
func localIPv4(bindIP string) (net.IP, error) {
	if bindIP != "" {
		ip := net.ParseIP(bindIP)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("invalid bind IP %q", bindIP)
		}
		return ip.To4(), nil
	}

	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return nil, fmt.Errorf("detect local IP: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.To4() == nil {
		return nil, fmt.Errorf("no local IPv4 address")
	}
	return addr.IP.To4(), nil
}
