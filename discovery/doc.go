// Package discovery announces this node on the local network and reports
// peers heard announcing themselves.
//
// The service binds UDP port 7891 with address and port reuse, so several
// nodes on one machine coexist, and periodically sends a magic-prefixed
// Announce to every subnet broadcast address it can compute. Hearing an
// Announce from someone else produces a DiscoveredPeer on the output
// channel and triggers an immediate unicast Announce back to the sender,
// making discovery bidirectional in one round trip instead of one period.
//
// The discovery wire format is deliberately separate from the data
// protocol: an 8-byte magic prefix followed by a type byte, so stray
// datagrams on the shared port are cheap to reject.
package discovery
