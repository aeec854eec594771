// Copyright 2026 The ionsync Authors
// This file is part of the ionsync library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

// Package transport declares the abstract bidirectional peer channel
// the coordinator drives, plus the wire-level peer message envelope.
// Concrete transports (in-process, HTTP/SSE, relay) implement Transport
// without the coordinator knowing their medium, mirroring the narrow
// Peer/LightPeer interfaces the teacher's downloader depends on
// (eth/downloader/peer.go).
package transport

import (
	"context"

	"github.com/ionsync/engine/cursor"
	"github.com/ionsync/engine/record"
)

// MessageType distinguishes the two peer-message kinds of spec §6.
type MessageType string

const (
	MessageChanges MessageType = "changes"
	MessageEOSE    MessageType = "eose"
)

// PeerMessage is the coordinator<->transport message envelope (spec §6):
// either a batch of change records tagged with the sender's schema
// version, or an eose terminator with no data.
type PeerMessage struct {
	Type          MessageType
	Data          []record.Change
	SchemaVersion uint64
}

// Changes builds a "changes" PeerMessage.
func Changes(batch []record.Change, schemaVersion uint64) PeerMessage {
	return PeerMessage{Type: MessageChanges, Data: batch, SchemaVersion: schemaVersion}
}

// EOSE builds an "eose" PeerMessage.
func EOSE() PeerMessage {
	return PeerMessage{Type: MessageEOSE}
}

// Callbacks is the "config" a transport receives on Start: the five
// entry points back into the coordinator. It is passed by value as
// plain data, not a pointer to the coordinator's concrete type, so a
// transport never holds an owning reference back to its owner (spec §9,
// "cyclic relationships").
type Callbacks struct {
	// OnConnect registers a newly seen remote peer.
	OnConnect func(t Transport, peerID string)
	// OnSync installs the given cursor for peerID and kicks off
	// catch-up; the peer becomes active once catch-up has completed.
	OnSync func(t Transport, peerID string, peerCursor cursor.Cursor)
	// OnReceive delivers an incoming peer message from peerID.
	// Fire-and-forget: the call returns before msg has necessarily been
	// applied.
	OnReceive func(t Transport, peerID string, msg PeerMessage)
	// OnReceiveSync is OnReceive's blocking counterpart: it applies msg
	// and returns the coordinator's own cursor once the apply (if any)
	// has landed. The relay transport needs this because it must persist
	// recv_cursor as exactly what the Ledger absorbed (spec §4.4.3)
	// before processing its next buffered event; transports that don't
	// need that guarantee can ignore this field and use OnReceive.
	OnReceiveSync func(t Transport, peerID string, msg PeerMessage) (cursor.Cursor, error)
	// OnDisconnect removes peerID from the registry.
	OnDisconnect func(t Transport, peerID string)
}

// Transport is the contract every concrete transport satisfies. The
// coordinator never inspects a transport's medium; it only calls these
// methods and receives callbacks through the Callbacks struct handed to
// Start.
type Transport interface {
	// Start wires cb and begins accepting/establishing sessions. It must
	// not block; sessions are established asynchronously and report
	// through cb.OnConnect.
	Start(cb Callbacks) error

	// Stop tears down every session, firing cb.OnDisconnect for each.
	Stop() error

	// Sync sends our cursor to peerID, asking it to (re)stream changes
	// from that point. A non-nil error means the request could not be
	// handed off (an unknown peerID, a stopped transport, or, for the
	// HTTP/SSE server, a missing stream or full client queue); network
	// failures after hand-off are logged by the transport, not returned.
	// The coordinator only logs a returned error (spec §4.5).
	Sync(peerID string, c cursor.Cursor) error

	// Send delivers msg to peerID, with the same error semantics as
	// Sync. The relay transport retries failed publishes itself; the
	// other transports leave recovery to the cursor protocol.
	Send(peerID string, msg PeerMessage) error

	// WaitCanSend optionally blocks the caller until the transport has
	// buffer headroom for peerID (spec §4.4.4's backpressure hook).
	// Transports with no such limit return nil immediately.
	WaitCanSend(ctx context.Context, peerID string) error
}
