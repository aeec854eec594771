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

package cursor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdvanceIsMonotonic(t *testing.T) {
	c := New()
	c.Advance("aaaa", 5)
	c.Advance("aaaa", 3)
	require.Equal(t, uint64(5), c.Get("aaaa"))
	c.Advance("aaaa", 9)
	require.Equal(t, uint64(9), c.Get("aaaa"))
}

func TestStrictlyOlderThan(t *testing.T) {
	a := Cursor{"aaaa": 1}
	b := Cursor{"aaaa": 2}
	require.True(t, a.StrictlyOlderThan(b))
	require.False(t, b.StrictlyOlderThan(a))

	c := Cursor{"bbbb": 1}
	require.True(t, New().StrictlyOlderThan(c))
	require.False(t, c.StrictlyOlderThan(New()))
}

func TestEqual(t *testing.T) {
	a := Cursor{"aaaa": 1, "bbbb": 2}
	b := Cursor{"bbbb": 2, "aaaa": 1}
	require.True(t, a.Equal(b))

	c := Cursor{"aaaa": 1}
	require.False(t, a.Equal(c))
}

func TestJSONRoundTrip(t *testing.T) {
	c := Cursor{"aaaa": 1, "bbbb": 42}
	data, err := json.Marshal(c)
	require.NoError(t, err)
	require.JSONEq(t, `[["aaaa",1],["bbbb",42]]`, string(data))

	var back Cursor
	require.NoError(t, json.Unmarshal(data, &back))
	require.True(t, c.Equal(back))
}

func TestEmptyCursorIsUnit(t *testing.T) {
	empty := New()
	other := Cursor{"aaaa": 1}
	require.True(t, empty.Clone().Merge(other).Equal(other))
}
