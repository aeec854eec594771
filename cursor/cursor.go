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

// Package cursor implements the Cursor type: a map from site-id to the
// highest db-version a participant has absorbed from that site. Ordering
// by site-id only matters when building deterministic SQL WHERE clauses
// or iterating for catch-up pagination (spec §9); the map itself is
// unordered.
package cursor

import "encoding/json"

// Cursor maps a site-id (lowercase hex) to the highest db_version known
// to have been absorbed from that site. The empty cursor is the unit: it
// compares as "known nothing" against every other cursor.
type Cursor map[string]uint64

// New returns an empty cursor.
func New() Cursor {
	return make(Cursor)
}

// Get returns the known db_version for site, or 0 if site is unknown.
func (c Cursor) Get(site string) uint64 {
	return c[site]
}

// Clone returns an independent copy of c.
func (c Cursor) Clone() Cursor {
	out := make(Cursor, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Advance raises c[site] to version if version is greater than what is
// already recorded; it never lowers a cursor (monotonicity, spec
// invariant 1 of §8).
func (c Cursor) Advance(site string, version uint64) {
	if version > c[site] {
		c[site] = version
	}
}

// Merge advances c by every entry of other, returning c for chaining.
func (c Cursor) Merge(other Cursor) Cursor {
	for site, v := range other {
		c.Advance(site, v)
	}
	return c
}

// StrictlyOlderThan reports whether c is strictly behind other: other
// knows some site-id c doesn't, or knows a higher db_version for a site
// both know (spec §3).
func (c Cursor) StrictlyOlderThan(other Cursor) bool {
	for site, v := range other {
		if cv, ok := c[site]; !ok || cv < v {
			return true
		}
	}
	return false
}

// Equal reports whether c and other record the same absorbed versions
// for every site either of them knows about.
func (c Cursor) Equal(other Cursor) bool {
	return !c.StrictlyOlderThan(other) && !other.StrictlyOlderThan(c)
}

// pair is the wire form of one cursor entry: [site_id_hex, db_version].
type pair = [2]interface{}

// MarshalJSON encodes the cursor as a JSON array of [site_id_hex,
// db_version] pairs, matching the HTTP transport's sync envelope
// (spec §6).
func (c Cursor) MarshalJSON() ([]byte, error) {
	pairs := make([]pair, 0, len(c))
	// Deterministic order keeps wire output and tests reproducible.
	sites := make([]string, 0, len(c))
	for site := range c {
		sites = append(sites, site)
	}
	insertionSort(sites)
	for _, site := range sites {
		pairs = append(pairs, pair{site, c[site]})
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON decodes the [site_id_hex, db_version] pair array form
// back into a Cursor.
func (c *Cursor) UnmarshalJSON(data []byte) error {
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	out := make(Cursor, len(pairs))
	for _, p := range pairs {
		var site string
		if err := json.Unmarshal(p[0], &site); err != nil {
			return err
		}
		var v uint64
		if err := json.Unmarshal(p[1], &v); err != nil {
			return err
		}
		out[site] = v
	}
	*c = out
	return nil
}

func insertionSort(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
