// Package net implements the datagram protocol: packets, the elements they
// carry, multi-packet bundles and the per-peer channel that reassembles them.
//
// A channel also holds the session cipher. Once a session key has been agreed
// on (see package login), packet payloads are encrypted with a block cipher.
package net
