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
	"io"

	"github.com/ionsync/engine/cursor"
	"github.com/ionsync/engine/record"
	"github.com/ionsync/engine/transport"
)

// runCatchUp is the initial catch-up send of spec §4.1.2. It is the only
// cancellable long-running task in the coordinator: ctx is cancelled by
// handleSync when a fresher sync handshake supersedes this one, and this
// loop polls ctx at every batch boundary. It never runs on the
// serialization queue: its short state mutations are made on this
// goroutine under c.mu, between suspension points (a Ledger read or an
// outbound transport call), never across one.
func (c *Coordinator) runCatchUp(ctx context.Context, done chan struct{}, t transport.Transport, peerID string) {
	defer close(done)

	c.mu.Lock()
	entry, ok := c.registry[peerID]
	if !ok || !current(entry, done) {
		c.mu.Unlock()
		return
	}
	gap := buildGapMap(entry.cursor, c.ownCursor)
	schema := c.schemaVersion
	c.mu.Unlock()

	it, err := c.ledger.IterChanges(ctx, gap)
	if err != nil {
		c.log.Error("catch-up: failed to open change iterator", "peer", peerID, "err", err)
		return
	}
	defer it.Close()

	batch := make([]record.Change, 0, c.opts.CatchUpBatchSize)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if err := t.Send(peerID, transport.Changes(batch, schema)); err != nil {
			c.log.Warn("catch-up: send failed, will be retried via cursor protocol", "peer", peerID, "err", err)
		}
		c.mu.Lock()
		if entry, ok := c.registry[peerID]; ok && current(entry, done) {
			for _, rec := range batch {
				entry.cursor.Advance(rec.SiteID.String(), rec.DBVersion)
			}
		} else {
			c.mu.Unlock()
			return false
		}
		c.mu.Unlock()
		batch = batch[:0]
		return ctx.Err() == nil
	}

	for {
		if ctx.Err() != nil {
			return
		}
		rec, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			c.log.Error("catch-up: iterator error", "peer", peerID, "err", err)
			return
		}
		batch = append(batch, rec)
		if len(batch) >= c.opts.CatchUpBatchSize {
			if !flush() {
				return
			}
		}
	}
	if !flush() {
		return
	}

	if ctx.Err() != nil {
		return
	}
	if err := t.Send(peerID, transport.EOSE()); err != nil {
		c.log.Warn("catch-up: eose send failed", "peer", peerID, "err", err)
	}

	c.mu.Lock()
	entry, ok = c.registry[peerID]
	if !ok || !current(entry, done) {
		c.mu.Unlock()
		return
	}
	pending := entry.pending
	entry.pending = nil
	c.mu.Unlock()

	if len(pending) > 0 {
		if err := t.Send(peerID, transport.Changes(pending, schema)); err != nil {
			c.log.Warn("catch-up: pending drain send failed", "peer", peerID, "err", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok = c.registry[peerID]
	if !ok || !current(entry, done) {
		return
	}
	for _, rec := range pending {
		entry.cursor.Advance(rec.SiteID.String(), rec.DBVersion)
	}
	entry.active = true
}

// current reports whether entry's in-flight catch-up is the one
// identified by done -- i.e. this goroutine hasn't been superseded by a
// newer on_sync for the same peer.
func current(entry *peerEntry, done chan struct{}) bool {
	return entry != nil && entry.catchUpDone == done
}

// buildGapMap starts from the peer's reported cursor and adds a zero
// floor for every site the local side knows about that the peer didn't
// mention, so catch-up covers sites the peer has never heard of (spec
// §4.1.2 step 1).
func buildGapMap(peerCursor, ownKnown cursor.Cursor) cursor.Cursor {
	gap := peerCursor.Clone()
	for site := range ownKnown {
		if _, ok := gap[site]; !ok {
			gap[site] = 0
		}
	}
	return gap
}
