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

package relaystore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ionsync/engine/cursor"
)

func testSuite(t *testing.T, s Store) {
	t.Helper()
	_, err := s.Get("peer1", DirSend)
	require.ErrorIs(t, err, ErrNotFound)

	state := StreamState{
		Cursor:           cursor.Cursor{"aaaa": 3},
		StreamID:         "stream-1",
		LastEventID:      "event-7",
		RecvChangesSince: 1234,
		SentSeq:          9,
	}
	require.NoError(t, s.Put("peer1", DirSend, state))

	got, err := s.Get("peer1", DirSend)
	require.NoError(t, err)
	require.Equal(t, state, got)

	_, err = s.Get("peer1", DirRecv)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete("peer1", DirSend))
	_, err = s.Get("peer1", DirSend)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	testSuite(t, NewMemory())
}

func TestLevelDBStore(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenLevelDB(filepath.Join(dir, "relay"))
	require.NoError(t, err)
	defer db.Close()
	testSuite(t, db)
}
