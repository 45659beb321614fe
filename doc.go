// Package wormhole is the peer-to-peer networking layer for a LAN and
// WAN chat-and-video application.
//
// A Node owns one UDP data socket and a peer liveness table, speaks a
// compact binary message protocol (package protocol), fragments large
// video frames to fit under the MTU (package transport), finds peers on
// the local network by broadcast announce (package discovery), and
// learns its public endpoint and a router port mapping via STUN and
// UPnP when asked to.
//
// Basic usage:
//
//	options := wormhole.NewOptions("alice")
//	node, err := wormhole.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	node.Start()
//	defer node.Stop()
//
//	node.SendChat("Hello, world!")
//	for env := range node.Messages() {
//	    // ...
//	}
package wormhole
