package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startSTUNResponder runs a minimal binding responder on loopback that
// answers every request with the given attribute.
func startSTUNResponder(t *testing.T, attr stun.Setter) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1024)
		for {
			size, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			request := &stun.Message{Raw: append([]byte(nil), buf[:size]...)}
			if err := request.Decode(); err != nil {
				continue
			}
			response, err := stun.Build(
				stun.NewTransactionIDSetter(request.TransactionID),
				stun.BindingSuccess,
				attr,
			)
			if err != nil {
				continue
			}
			conn.WriteToUDP(response.Raw, src)
		}
	}()

	return conn.LocalAddr().String()
}

func TestDiscoverPublicAddressXORMapped(t *testing.T) {
	server := startSTUNResponder(t, &stun.XORMappedAddress{
		IP:   net.IPv4(203, 0, 113, 9),
		Port: 43210,
	})

	client := &STUNClient{Servers: []string{server}, Timeout: 2 * time.Second}
	addr, err := client.DiscoverPublicAddress(context.Background())
	require.NoError(t, err)
	assert.True(t, addr.IP.Equal(net.IPv4(203, 0, 113, 9)))
	assert.Equal(t, 43210, addr.Port)
}

func TestDiscoverPublicAddressMappedFallback(t *testing.T) {
	server := startSTUNResponder(t, &stun.MappedAddress{
		IP:   net.IPv4(198, 51, 100, 4),
		Port: 9999,
	})

	client := &STUNClient{Servers: []string{server}, Timeout: 2 * time.Second}
	addr, err := client.DiscoverPublicAddress(context.Background())
	require.NoError(t, err)
	assert.True(t, addr.IP.Equal(net.IPv4(198, 51, 100, 4)))
	assert.Equal(t, 9999, addr.Port)
}

func TestDiscoverPublicAddressFallsThroughDeadServer(t *testing.T) {
	dead, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer dead.Close()

	live := startSTUNResponder(t, &stun.XORMappedAddress{
		IP:   net.IPv4(203, 0, 113, 9),
		Port: 1234,
	})

	client := &STUNClient{
		Servers: []string{dead.LocalAddr().String(), live},
		Timeout: 200 * time.Millisecond,
	}
	addr, err := client.DiscoverPublicAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1234, addr.Port)
}

func TestDiscoverPublicAddressAllServersFail(t *testing.T) {
	dead, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer dead.Close()

	client := &STUNClient{
		Servers: []string{dead.LocalAddr().String()},
		Timeout: 200 * time.Millisecond,
	}
	_, err = client.DiscoverPublicAddress(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all STUN servers failed")
}

func TestDiscoverPublicAddressHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewSTUNClient()
	_, err := client.DiscoverPublicAddress(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
