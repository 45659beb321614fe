package discovery

import (
	"net"

	"github.com/sirupsen/logrus"
)

// broadcastAddrs returns the UDP destinations an announce is sent to.
// When bindIP names a specific interface address only that interface's
// subnet broadcast is used; otherwise every non-loopback IPv4 interface
// contributes one. The limited broadcast and loopback addresses are
// always appended so same-host nodes hear each other even on networks
// that filter directed broadcasts.
func broadcastAddrs(bindIP net.IP, port int) []*net.UDPAddr {
	var addrs []*net.UDPAddr

	ifaces, err := net.Interfaces()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "broadcastAddrs",
			"error":    err,
		}).Warn("Failed to enumerate network interfaces")
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ifAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range ifAddrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			if bindIP != nil && !bindIP.IsUnspecified() && !ip4.Equal(bindIP.To4()) {
				continue
			}
			addrs = append(addrs, &net.UDPAddr{
				IP:   subnetBroadcast(ip4, ipNet.Mask),
				Port: port,
			})
		}
	}

	addrs = append(addrs,
		&net.UDPAddr{IP: net.IPv4bcast, Port: port},
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
	)
	return addrs
}

// subnetBroadcast computes ip | ^mask. A mask that is not 4 bytes long
// gets a /24 assumption, matching common home-LAN setups.
func subnetBroadcast(ip4 net.IP, mask net.IPMask) net.IP {
	m4 := mask
	if len(m4) == 16 {
		m4 = m4[12:]
	}
	if len(m4) != 4 {
		m4 = net.CIDRMask(24, 32)
	}
	out := make(net.IP, 4)
	for i := 0; i < 4; i++ {
		out[i] = ip4[i] | ^m4[i]
	}
	return out
}
