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
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelDB is the on-disk Store backing the relay transport, grounded on
// the teacher's client/ethdb/leveldb wrapper (its non-test source isn't
// in the pack, but leveldb_test.go pins the exact Open/Get/Put/Delete
// surface this wraps).
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens (creating if absent) a leveldb database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("relaystore: open %q: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (s *LevelDB) Get(peerID string, dir Direction) (StreamState, error) {
	b, err := s.db.Get(rowKey(peerID, dir), nil)
	if err == leveldb.ErrNotFound {
		return StreamState{}, ErrNotFound
	}
	if err != nil {
		return StreamState{}, fmt.Errorf("relaystore: get: %w", err)
	}
	return decodeState(b)
}

func (s *LevelDB) Put(peerID string, dir Direction, state StreamState) error {
	b, err := encodeState(state)
	if err != nil {
		return err
	}
	if err := s.db.Put(rowKey(peerID, dir), b, nil); err != nil {
		return fmt.Errorf("relaystore: put: %w", err)
	}
	return nil
}

func (s *LevelDB) Delete(peerID string, dir Direction) error {
	if err := s.db.Delete(rowKey(peerID, dir), nil); err != nil {
		return fmt.Errorf("relaystore: delete: %w", err)
	}
	return nil
}

func (s *LevelDB) Close() error {
	return s.db.Close()
}

var _ Store = (*LevelDB)(nil)
