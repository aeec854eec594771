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

package ledger

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/ionsync/engine/cursor"
	"github.com/ionsync/engine/record"
)

// Memory is an in-memory reference Ledger, used by the coordinator's and
// transports' own tests, and by hosts that want a working example to
// build against. It is a last-writer-wins store keyed by (table, pk,
// cid) -- enough to exercise the full diffusion protocol without
// depending on a real CRDT engine, which is explicitly out of scope.
type Memory struct {
	mu      sync.Mutex
	site    record.SiteID
	schema  uint64
	byKey   map[cellKey]record.Change
	applied cursor.Cursor // side table mirroring what was actually absorbed
	notify  []func()
}

type cellKey struct {
	table string
	pk    string
	cid   string
}

// NewMemory creates an empty in-memory Ledger identified by site.
func NewMemory(site record.SiteID, schemaVersion uint64) *Memory {
	return &Memory{
		site:    site,
		schema:  schemaVersion,
		byKey:   make(map[cellKey]record.Change),
		applied: cursor.New(),
	}
}

func (m *Memory) LocalSiteID(ctx context.Context) (record.SiteID, error) { return m.site, nil }
func (m *Memory) SchemaVersion(ctx context.Context) (uint64, error)      { return m.schema, nil }

// WriteLocal commits a batch of locally-authored changes and fires any
// registered notify hooks, mirroring the Ledger's own
// "notify_local_change" contract (spec §6).
func (m *Memory) WriteLocal(batch []record.Change) {
	m.mu.Lock()
	for _, c := range batch {
		m.byKey[cellKey{c.Table, string(c.PK), c.CID}] = c
		m.applied.Advance(c.SiteID.String(), c.DBVersion)
	}
	hooks := append([]func(){}, m.notify...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// ApplyChanges absorbs a remotely-received batch, last-writer-wins by
// (col_version, db_version). It never partially applies: every record in
// batch is assumed pre-validated by the caller (spec §4.1.4 step 4).
func (m *Memory) ApplyChanges(ctx context.Context, batch []record.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range batch {
		key := cellKey{c.Table, string(c.PK), c.CID}
		if existing, ok := m.byKey[key]; ok && !wins(c, existing) {
			// Discarded by the merge: not stored, so it does not advance
			// the cursor either (see Ledger.Cursor).
			continue
		}
		m.byKey[key] = c
		m.applied.Advance(c.SiteID.String(), c.DBVersion)
	}
	return nil
}

// wins reports whether candidate supersedes existing under a simple
// last-writer-wins rule (higher col_version wins; db_version breaks
// ties). Real conflict resolution belongs to the Ledger and is out of
// scope; this is only enough to make Memory usable in tests.
func wins(candidate, existing record.Change) bool {
	if candidate.ColVersion != existing.ColVersion {
		return candidate.ColVersion > existing.ColVersion
	}
	return candidate.DBVersion >= existing.DBVersion
}

// Cursor recomputes the absorbed-version map from the side table kept
// alongside byKey, giving an O(peers) recompute rather than a full scan.
func (m *Memory) Cursor(ctx context.Context) (cursor.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied.Clone(), nil
}

// NotifyLocalChange registers fn to run after every WriteLocal call.
func (m *Memory) NotifyLocalChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = append(m.notify, fn)
}

// Len reports how many cells are currently stored, for test assertions.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// IterChanges returns every stored change matching filter, ordered by
// (site_id, db_version).
func (m *Memory) IterChanges(ctx context.Context, filter Filter) (ChangeIterator, error) {
	m.mu.Lock()
	matches := make([]record.Change, 0, len(m.byKey))
	for _, c := range m.byKey {
		floor, ok := filter[c.SiteID.String()]
		if !ok {
			continue
		}
		if c.DBVersion > floor {
			matches = append(matches, c)
		}
	}
	m.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].SiteID != matches[j].SiteID {
			return matches[i].SiteID.String() < matches[j].SiteID.String()
		}
		if matches[i].DBVersion != matches[j].DBVersion {
			return matches[i].DBVersion < matches[j].DBVersion
		}
		return matches[i].Seq < matches[j].Seq
	})
	return &sliceIterator{items: matches}, nil
}

type sliceIterator struct {
	items []record.Change
	pos   int
}

func (it *sliceIterator) Next(ctx context.Context) (record.Change, error) {
	if it.pos >= len(it.items) {
		return record.Change{}, io.EOF
	}
	c := it.items[it.pos]
	it.pos++
	return c, nil
}

func (it *sliceIterator) Close() error { return nil }
