// Package transport owns the UDP data socket and the peer liveness table.
//
// A NetworkNode binds one socket at construction and keeps it for the life
// of the process. Datagram receipt runs in its own goroutine and delivers
// decoded messages on a channel; sends happen synchronously from whatever
// goroutine the application calls in. All table state (peers, known
// addresses, departure grace entries, fragment buffers) is guarded by one
// mutex, so both sides may touch it freely.
//
// The package also carries the two one-shot NAT helpers: a STUN client for
// public endpoint discovery and a UPnP negotiator for router port forwards.
// Both degrade non-fatally; a node without either still works on the LAN
// and with manually configured peers.
package transport
