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

import (
	"context"
	"fmt"
	"io"

	"github.com/ionsync/engine/cursor"
	"github.com/ionsync/engine/record"
	"github.com/ionsync/engine/transport"
)

// handleConnect registers a newly seen remote peer and kicks off the
// handshake: we emit a connect event, then asynchronously advertise our
// own cursor to the transport so the remote can begin catching us up.
func (c *Coordinator) handleConnect(t transport.Transport, peerID string) {
	c.mu.Lock()
	if _, exists := c.registry[peerID]; exists {
		c.mu.Unlock()
		c.log.Warn("duplicate connect for known peer", "peer", peerID)
		return
	}
	c.registry[peerID] = &peerEntry{
		id:        peerID,
		cursor:    cursor.New(),
		transport: t,
	}
	ours := c.ownCursor.Clone()
	c.mu.Unlock()

	c.connectFeed.Send(ConnectEvent{PeerID: peerID, Transport: t})

	c.deferCall(func() {
		if err := t.Sync(peerID, ours); err != nil {
			c.log.Warn("failed to dispatch sync request", "peer", peerID, "err", err)
		}
	})
}

// handleDisconnect removes peerID from the registry, cancelling any
// in-flight catch-up. Pending changes are discarded (spec §3).
func (c *Coordinator) handleDisconnect(t transport.Transport, peerID string) {
	c.mu.Lock()
	entry, ok := c.registry[peerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.registry, peerID)
	cancel := entry.catchUpCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// handleSync marks peerID's cursor and starts (or restarts) its catch-up
// task. Re-entry for a peer whose catch-up is already running cancels
// the stale task and awaits its exit -- off the queue goroutine, so the
// queue keeps serving other peers while that wind-down happens -- before
// installing the new cursor and launching a fresh catch-up.
func (c *Coordinator) handleSync(t transport.Transport, peerID string, peerCursor cursor.Cursor) {
	c.mu.Lock()
	entry, ok := c.registry[peerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	oldCancel, oldDone := entry.catchUpCancel, entry.catchUpDone
	c.mu.Unlock()

	start := func() {
		c.mu.Lock()
		entry, ok := c.registry[peerID]
		if !ok {
			c.mu.Unlock()
			return
		}
		entry.cursor = peerCursor.Clone()
		entry.active = false
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		entry.catchUpCancel = cancel
		entry.catchUpDone = done
		c.mu.Unlock()

		c.syncFeed.Send(SyncEvent{PeerID: peerID, Transport: t})
		go c.runCatchUp(ctx, done, t, peerID)
	}

	if oldCancel == nil {
		start()
		return
	}
	c.deferCall(func() {
		oldCancel()
		<-oldDone
		c.submit(context.Background(), start)
	})
}

// handleReceive applies an incoming peer message from peerID (spec
// §4.1.4) and, on success, forwards the newly-absorbed records to every
// other active peer. This is the fire-and-forget form used by
// transports (in-process, HTTP/SSE) that don't need the post-apply
// cursor back; see handleReceiveSync for the relay transport's variant.
func (c *Coordinator) handleReceive(t transport.Transport, peerID string, msg transport.PeerMessage) {
	_, _ = c.doHandleReceive(t, peerID, msg)
}

// handleReceiveSync runs the same logic as handleReceive but, since the
// relay transport must persist recv_cursor as exactly what the Ledger
// absorbed (spec §4.4.3), blocks the caller (off the queue goroutine)
// until it has and returns the resulting own cursor.
func (c *Coordinator) handleReceiveSync(t transport.Transport, peerID string, msg transport.PeerMessage) (cursor.Cursor, error) {
	var (
		resultCursor cursor.Cursor
		resultErr    error
	)
	if err := c.submit(context.Background(), func() {
		resultCursor, resultErr = c.doHandleReceive(t, peerID, msg)
	}); err != nil {
		return nil, err
	}
	return resultCursor, resultErr
}

// doHandleReceive is the queue-task body shared by handleReceive and
// handleReceiveSync. It always returns the coordinator's own cursor as
// it stands when the call returns (not the peer's cursor); a non-nil
// error indicates an unknown sender, an apply failure or a failed cursor
// recompute, not e.g. an outdated-schema drop, which is a normal outcome
// and never surfaced as one.
func (c *Coordinator) doHandleReceive(t transport.Transport, peerID string, msg transport.PeerMessage) (cursor.Cursor, error) {
	if msg.Type == transport.MessageEOSE {
		c.eoseFeed.Send(EOSEEvent{PeerID: peerID, Transport: t})
		return c.ownCursorSnapshot(), nil
	}

	c.mu.Lock()
	_, ok := c.registry[peerID]
	schema := c.schemaVersion
	own := c.ownCursor.Clone()
	c.mu.Unlock()
	if !ok {
		c.log.Warn("receive from unknown peer", "peer", peerID)
		return own, fmt.Errorf("coordinator: receive from unknown peer %q", peerID)
	}

	if msg.SchemaVersion > schema {
		c.outdatedFeed.Send(OutdatedEvent{RemoteSchemaVersion: msg.SchemaVersion, PeerID: peerID, Transport: t})
		return own, nil
	}

	// Inclusive boundary on ingest (spec §4.1.4 step 2, invariant 4 of
	// §4.1): a transaction may span several records sharing one
	// db_version, so ">=" admits the boundary record too.
	var accepted []record.Change
	for _, rec := range msg.Data {
		if rec.DBVersion >= own.Get(rec.SiteID.String()) {
			accepted = append(accepted, rec)
		}
	}
	if len(accepted) == 0 {
		return own, nil
	}

	c.mu.Lock()
	if entry, ok := c.registry[peerID]; ok {
		for _, rec := range accepted {
			entry.cursor.Advance(rec.SiteID.String(), rec.DBVersion)
		}
	}
	c.mu.Unlock()

	applied, err := c.applyInBatches(context.Background(), accepted)
	if len(applied) == 0 {
		if err != nil {
			c.log.Error("apply failed, nothing absorbed", "peer", peerID, "err", err)
		}
		return own, err
	}

	newOwn, cerr := c.ledger.Cursor(context.Background())
	if cerr != nil {
		c.log.Error("failed to recompute own cursor after apply", "err", cerr)
		return own, cerr
	}
	c.mu.Lock()
	c.ownCursor = newOwn
	c.mu.Unlock()

	c.changeFeed.Send(ChangeEvent{Tables: record.DistinctTables(applied)})

	c.forwardToOthers(peerID, applied)

	if err != nil {
		c.log.Warn("partial apply from peer, remainder will be retried on next send", "peer", peerID, "err", err)
	}
	return newOwn.Clone(), err
}

// ownCursorSnapshot returns a copy of the coordinator's current own
// cursor.
func (c *Coordinator) ownCursorSnapshot() cursor.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownCursor.Clone()
}

// applyInBatches absorbs accepted into the Ledger in chunks no larger
// than ApplyBatchSize, stopping at the first failing chunk (spec
// §4.1.4 step 4). It returns every record from chunks that committed
// successfully, plus the error from the chunk that failed, if any.
func (c *Coordinator) applyInBatches(ctx context.Context, accepted []record.Change) ([]record.Change, error) {
	for _, rec := range accepted {
		if err := rec.Validate(); err != nil {
			return nil, err
		}
	}

	var applied []record.Change
	for start := 0; start < len(accepted); start += c.opts.ApplyBatchSize {
		end := start + c.opts.ApplyBatchSize
		if end > len(accepted) {
			end = len(accepted)
		}
		chunk := accepted[start:end]
		if err := c.ledger.ApplyChanges(ctx, chunk); err != nil {
			return applied, err
		}
		applied = append(applied, chunk...)
	}
	return applied, nil
}

// forwardToOthers diffuses newly-absorbed records to every other active
// peer, excluding the peer that sent them (no self-echo, spec invariant
// 5 of §4.1) and filtering each recipient by its own cursor.
func (c *Coordinator) forwardToOthers(origin string, changes []record.Change) {
	c.mu.Lock()
	schema := c.schemaVersion
	type target struct {
		id string
		t  transport.Transport
	}
	var actives []target
	for id, entry := range c.registry {
		if id == origin || !entry.active {
			continue
		}
		actives = append(actives, target{id, entry.transport})
	}
	c.mu.Unlock()

	for _, tg := range actives {
		c.sendFilteredOrQueue(tg.id, tg.t, changes, schema)
	}
}

// broadcastLocalChanges implements spec §4.1.3: scan the Ledger for
// locally-authored records the coordinator hasn't broadcast yet, advance
// ownCursor to cover them, then fan them out to every peer.
func (c *Coordinator) broadcastLocalChanges(ctx context.Context) {
	c.mu.Lock()
	local := c.localSite.String()
	floor := c.ownCursor.Get(local)
	schema := c.schemaVersion
	c.mu.Unlock()

	it, err := c.ledger.IterChanges(ctx, cursor.Cursor{local: floor})
	if err != nil {
		c.log.Error("failed to scan local changes", "err", err)
		return
	}
	defer it.Close()

	var batch []record.Change
	var maxVersion uint64
	for {
		rec, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			c.log.Error("failed reading local changes", "err", err)
			return
		}
		batch = append(batch, rec)
		if rec.DBVersion > maxVersion {
			maxVersion = rec.DBVersion
		}
	}
	if len(batch) == 0 {
		return
	}

	c.mu.Lock()
	c.ownCursor.Advance(local, maxVersion)
	type target struct {
		id string
		t  transport.Transport
	}
	var actives []target
	for id, entry := range c.registry {
		actives = append(actives, target{id, entry.transport})
	}
	c.mu.Unlock()

	for _, tg := range actives {
		c.sendFilteredOrQueue(tg.id, tg.t, batch, schema)
	}

	c.changeFeed.Send(ChangeEvent{Tables: record.DistinctTables(batch)})
}

// sendFilteredOrQueue sends the subset of changes the named peer doesn't
// already have, or appends them to its pending_changes queue if the peer
// hasn't finished its sync handshake yet (spec §4.1.2, §4.1.3).
func (c *Coordinator) sendFilteredOrQueue(peerID string, t transport.Transport, changes []record.Change, schema uint64) {
	c.mu.Lock()
	entry, ok := c.registry[peerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	var subset []record.Change
	for _, rec := range changes {
		if rec.DBVersion > entry.cursor.Get(rec.SiteID.String()) {
			subset = append(subset, rec)
		}
	}
	if len(subset) == 0 {
		c.mu.Unlock()
		return
	}
	if !entry.active {
		entry.pending = append(entry.pending, subset...)
		c.mu.Unlock()
		return
	}
	for _, rec := range subset {
		entry.cursor.Advance(rec.SiteID.String(), rec.DBVersion)
	}
	c.mu.Unlock()

	c.deferCall(func() {
		if err := t.Send(peerID, transport.Changes(subset, schema)); err != nil {
			c.log.Warn("send failed, remote will be caught up on next round-trip", "peer", peerID, "err", err)
		}
	})
}

// peerCursorSnapshot returns a copy of the registered cursor for peerID,
// used by tests; zero value if the peer is unknown.
func (c *Coordinator) peerCursorSnapshot(peerID string) (cursor.Cursor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.registry[peerID]
	if !ok {
		return nil, false
	}
	return entry.cursor.Clone(), true
}
