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

import "sync"

// Memory is an in-memory Store, used in tests in place of LevelDB --
// mirroring the teacher's ethdb/memorydb counterpart to its leveldb
// package.
type Memory struct {
	mu   sync.Mutex
	rows map[string]StreamState
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]StreamState)}
}

func (s *Memory) Get(peerID string, dir Direction) (StreamState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.rows[string(rowKey(peerID, dir))]
	if !ok {
		return StreamState{}, ErrNotFound
	}
	return state, nil
}

func (s *Memory) Put(peerID string, dir Direction, state StreamState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[string(rowKey(peerID, dir))] = state
	return nil
}

func (s *Memory) Delete(peerID string, dir Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, string(rowKey(peerID, dir)))
	return nil
}

func (s *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
