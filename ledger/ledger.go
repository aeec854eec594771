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

// Package ledger declares the thin contract the coordinator needs from
// the CRDT-aware storage layer: read changes filtered by site/version,
// apply a batch atomically, report local site id and schema version, and
// notify the coordinator when local writes land. The Ledger itself --
// and all CRDT merge semantics -- are out of scope (spec §1); this
// package only types the boundary, grounded on the ethBackend-style
// narrow interfaces the teacher defines at package boundaries (see
// les/server.go's ethBackend).
package ledger

import (
	"context"
	"errors"
	"io"

	"github.com/ionsync/engine/cursor"
	"github.com/ionsync/engine/record"
)

// Filter selects change records whose (site_id, db_version) exceeds the
// given floor for that site; a site absent from the filter contributes
// no records. It doubles as the "gap map" the catch-up routine builds
// from a peer's cursor (spec §4.1.2).
type Filter = cursor.Cursor

// ChangeIterator streams change records in (site_id, db_version) order.
// Next returns io.EOF once exhausted.
type ChangeIterator interface {
	Next(ctx context.Context) (record.Change, error)
	Close() error
}

// ErrNoMoreChanges is an alias for io.EOF kept local so callers don't
// need to import "io" solely to recognize iterator exhaustion.
var ErrNoMoreChanges = io.EOF

// Ledger is the storage contract the coordinator depends on.
type Ledger interface {
	// LocalSiteID returns this Ledger's stable 16-byte identity.
	LocalSiteID(ctx context.Context) (record.SiteID, error)

	// SchemaVersion returns the Ledger's current schema version, sent on
	// every outbound changes message (spec §4.1.1).
	SchemaVersion(ctx context.Context) (uint64, error)

	// IterChanges streams changes matching filter, ordered by
	// (site_id, db_version).
	IterChanges(ctx context.Context, filter Filter) (ChangeIterator, error)

	// ApplyChanges absorbs batch atomically. A malformed record must
	// have already been rejected by the caller; ApplyChanges itself only
	// reports genuine storage failures.
	ApplyChanges(ctx context.Context, batch []record.Change) error

	// Cursor recomputes the absorbed-version map directly from storage.
	// This must not be derived optimistically from what was received --
	// the Ledger may discard records due to newer local state, and that
	// must not leak into the cursor (spec §4.1.4 step 5, §9).
	Cursor(ctx context.Context) (cursor.Cursor, error)

	// NotifyLocalChange registers fn to be invoked whenever a local write
	// commits. The coordinator uses this to trigger CheckLocalChanges.
	NotifyLocalChange(fn func())
}

// ErrClosed is returned by a ChangeIterator obtained from a Ledger that
// has since been closed.
var ErrClosed = errors.New("ledger: closed")
