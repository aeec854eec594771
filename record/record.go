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

// Package record defines the wire-level change record: one column-level
// edit authored by one site, carrying the CRDT metadata the Ledger needs
// to merge it. This package only models the record itself; conflict
// resolution belongs to the Ledger.
package record

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// SiteID is the 16-byte opaque identity of a Ledger instance. It is stable
// across restarts and rendered on the wire as lowercase hex.
type SiteID [16]byte

// String renders the site id as lowercase hex.
func (s SiteID) String() string {
	return hex.EncodeToString(s[:])
}

// IsZero reports whether s is the zero site id.
func (s SiteID) IsZero() bool {
	return s == SiteID{}
}

// ParseSiteID decodes a lowercase hex site id produced by String.
func ParseSiteID(s string) (SiteID, error) {
	var id SiteID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("record: invalid site id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("record: site id %q has length %d, want %d bytes", s, len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

var (
	// ErrMalformed is returned by Validate when a change record is missing
	// a required field or has a field of the wrong shape. A malformed
	// record aborts the whole batch it was found in; see coordinator.
	ErrMalformed = errors.New("record: malformed change record")
)

// Change is one column-level edit from one site, immutable once
// constructed. pk is stored as raw bytes; it is hex-encoded only on the
// wire (see WireChange).
//
// Invariants (enforced by the coordinator and Ledger, not by this type):
//   - for a given SiteID, DBVersion is non-decreasing over that site's
//     change stream; a single logical transaction may emit several
//     records sharing one DBVersion, disambiguated by Seq.
//   - (SiteID, DBVersion, Seq) is unique across the whole network.
type Change struct {
	Table      string
	PK         []byte
	CID        string
	Val        interface{}
	ColVersion uint64
	DBVersion  uint64
	SiteID     SiteID
	CL         uint64
	Seq        uint64
}

// Validate reports whether c has every required field in a well-formed
// shape. The coordinator calls this before opening an apply transaction;
// a single malformed record aborts the entire incoming batch with no
// partial apply (spec §4.1.4).
func (c *Change) Validate() error {
	if c.Table == "" {
		return fmt.Errorf("%w: empty table", ErrMalformed)
	}
	if len(c.PK) == 0 {
		return fmt.Errorf("%w: empty pk for table %q", ErrMalformed, c.Table)
	}
	if c.CID == "" {
		return fmt.Errorf("%w: empty cid for table %q", ErrMalformed, c.Table)
	}
	if c.SiteID.IsZero() {
		return fmt.Errorf("%w: zero site id for table %q", ErrMalformed, c.Table)
	}
	return nil
}

// WireChange is the JSON transfer form of Change: pk and site_id are
// lowercase hex strings of even length (spec §6), everything else is
// transferred as-is.
type WireChange struct {
	Table      string      `json:"table"`
	PK         string      `json:"pk"`
	CID        string      `json:"cid"`
	Val        interface{} `json:"val"`
	ColVersion uint64      `json:"col_version"`
	DBVersion  uint64      `json:"db_version"`
	SiteID     string      `json:"site_id"`
	CL         uint64      `json:"cl"`
	Seq        uint64      `json:"seq"`
}

// ToWire renders c in its wire form.
func (c *Change) ToWire() WireChange {
	return WireChange{
		Table:      c.Table,
		PK:         hex.EncodeToString(c.PK),
		CID:        c.CID,
		Val:        c.Val,
		ColVersion: c.ColVersion,
		DBVersion:  c.DBVersion,
		SiteID:     c.SiteID.String(),
		CL:         c.CL,
		Seq:        c.Seq,
	}
}

// FromWire decodes a wire change record back into storage form.
func FromWire(w WireChange) (Change, error) {
	pk, err := hex.DecodeString(w.PK)
	if err != nil {
		return Change{}, fmt.Errorf("%w: invalid pk hex: %v", ErrMalformed, err)
	}
	site, err := ParseSiteID(w.SiteID)
	if err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Change{
		Table:      w.Table,
		PK:         pk,
		CID:        w.CID,
		Val:        w.Val,
		ColVersion: w.ColVersion,
		DBVersion:  w.DBVersion,
		SiteID:     site,
		CL:         w.CL,
		Seq:        w.Seq,
	}, nil
}

// DistinctTables returns the sorted, de-duplicated set of table names
// touched by batch, used for the change(tables) event.
func DistinctTables(batch []Change) []string {
	seen := make(map[string]struct{}, len(batch))
	out := make([]string, 0, len(batch))
	for _, c := range batch {
		if _, ok := seen[c.Table]; ok {
			continue
		}
		seen[c.Table] = struct{}{}
		out = append(out, c.Table)
	}
	sortStrings(out)
	return out
}

// sortStrings avoids pulling in "sort" for a single call site; kept tiny
// and local since the only caller needs a short, deterministic slice sorted.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
