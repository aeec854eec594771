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

package coordinator

import "github.com/ionsync/engine/transport"

// ChangeEvent is emitted whenever local or newly-applied remote changes
// touch a set of tables (spec §4.1.3, §4.1.4).
type ChangeEvent struct {
	Tables []string
}

// ConnectEvent is emitted when a transport reports a new remote peer.
type ConnectEvent struct {
	PeerID    string
	Transport transport.Transport
}

// SyncEvent is emitted when a remote peer completes its sync handshake
// to us (its cursor has been installed and catch-up has started).
type SyncEvent struct {
	PeerID    string
	Transport transport.Transport
}

// EOSEEvent ("end of stored events") is emitted when a peer's eose
// message arrives: that peer has finished sending us everything we were
// missing at catch-up time.
type EOSEEvent struct {
	PeerID    string
	Transport transport.Transport
}

// OutdatedEvent is emitted when an inbound batch carries a schema
// version newer than ours; nothing in the batch was applied.
type OutdatedEvent struct {
	RemoteSchemaVersion uint64
	PeerID              string
	Transport           transport.Transport
}

// SubscribeChange subscribes ch to change events.
func (c *Coordinator) SubscribeChange(ch chan ChangeEvent) func() {
	sub := c.changeFeed.Subscribe(ch)
	return sub.Unsubscribe
}

// SubscribeConnect subscribes ch to connect events.
func (c *Coordinator) SubscribeConnect(ch chan ConnectEvent) func() {
	sub := c.connectFeed.Subscribe(ch)
	return sub.Unsubscribe
}

// SubscribeSync subscribes ch to sync events.
func (c *Coordinator) SubscribeSync(ch chan SyncEvent) func() {
	sub := c.syncFeed.Subscribe(ch)
	return sub.Unsubscribe
}

// SubscribeEOSE subscribes ch to eose events.
func (c *Coordinator) SubscribeEOSE(ch chan EOSEEvent) func() {
	sub := c.eoseFeed.Subscribe(ch)
	return sub.Unsubscribe
}

// SubscribeOutdated subscribes ch to outdated events.
func (c *Coordinator) SubscribeOutdated(ch chan OutdatedEvent) func() {
	sub := c.outdatedFeed.Subscribe(ch)
	return sub.Unsubscribe
}
