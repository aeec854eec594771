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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ionsync/engine/cursor"
	"github.com/ionsync/engine/record"
)

func siteOf(t *testing.T, hex string) record.SiteID {
	t.Helper()
	s, err := record.ParseSiteID(hex)
	require.NoError(t, err)
	return s
}

func TestMemoryWriteLocalNotifies(t *testing.T) {
	site := siteOf(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	m := NewMemory(site, 1)

	calls := 0
	m.NotifyLocalChange(func() { calls++ })

	m.WriteLocal([]record.Change{{Table: "t", PK: []byte("1"), CID: "c", SiteID: site, DBVersion: 1}})
	require.Equal(t, 1, calls)

	got, err := m.Cursor(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Get(site.String()))
}

func TestMemoryApplyChangesIdempotent(t *testing.T) {
	site := siteOf(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	m := NewMemory(siteOf(t, "cccccccccccccccccccccccccccccccc"), 1)

	batch := []record.Change{{Table: "t", PK: []byte("1"), CID: "c", SiteID: site, DBVersion: 1, ColVersion: 1}}
	require.NoError(t, m.ApplyChanges(context.Background(), batch))
	require.NoError(t, m.ApplyChanges(context.Background(), batch))

	require.Equal(t, 1, m.Len())
	got, _ := m.Cursor(context.Background())
	require.Equal(t, uint64(1), got.Get(site.String()))
}

func TestMemoryIterChangesOrdering(t *testing.T) {
	local := siteOf(t, "dddddddddddddddddddddddddddddddd")
	m := NewMemory(local, 1)

	m.WriteLocal([]record.Change{
		{Table: "t", PK: []byte("2"), CID: "c", SiteID: local, DBVersion: 2, Seq: 0},
		{Table: "t", PK: []byte("1"), CID: "c", SiteID: local, DBVersion: 1, Seq: 0},
		{Table: "t", PK: []byte("3"), CID: "c", SiteID: local, DBVersion: 3, Seq: 0},
	})

	it, err := m.IterChanges(context.Background(), cursor.Cursor{local.String(): 0})
	require.NoError(t, err)

	var versions []uint64
	for {
		c, err := it.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		versions = append(versions, c.DBVersion)
	}
	require.Equal(t, []uint64{1, 2, 3}, versions)
}

func TestMemoryIterChangesRespectsFloor(t *testing.T) {
	local := siteOf(t, "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
	m := NewMemory(local, 1)
	m.WriteLocal([]record.Change{
		{Table: "t", PK: []byte("1"), CID: "c", SiteID: local, DBVersion: 1},
		{Table: "t", PK: []byte("2"), CID: "c", SiteID: local, DBVersion: 2},
	})

	it, err := m.IterChanges(context.Background(), cursor.Cursor{local.String(): 1})
	require.NoError(t, err)
	c, err := it.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), c.DBVersion)

	_, err = it.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}
