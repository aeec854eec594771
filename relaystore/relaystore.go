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

// Package relaystore persists the relay transport's per-peer send and
// recv stream state (spec §6: "Only the relay transport persists
// anything: two rows per remote peer"). The accessor-function shape --
// one Read/Write pair per logical row, keyed by a deterministic prefix
// -- is grounded on the teacher's core/rawdb accessor convention
// (accessors_sync.go).
package relaystore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ionsync/engine/cursor"
)

// Direction distinguishes a peer's send-stream row from its recv-stream
// row; together they form the two rows per remote peer of spec §6.
type Direction string

const (
	DirSend Direction = "send"
	DirRecv Direction = "recv"
)

// StreamState is the persisted shape of one send or recv stream (spec
// §4.4, §6): a cursor plus the four scalar fields needed to resume the
// causal event chain and reorder buffer without replaying history.
type StreamState struct {
	Cursor           cursor.Cursor `json:"cursor"`
	StreamID         string        `json:"stream_id"`
	LastEventID      string        `json:"last_event_id"`
	RecvChangesSince int64         `json:"recv_changes_timestamp"`
	SentSeq          uint64        `json:"sent_seq"`
}

// ErrNotFound is returned by Get when no row exists for the given key.
var ErrNotFound = errors.New("relaystore: not found")

// Store is the persistence contract the relay transport depends on.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(peerID string, dir Direction) (StreamState, error)
	Put(peerID string, dir Direction, state StreamState) error
	Delete(peerID string, dir Direction) error
	Close() error
}

func rowKey(peerID string, dir Direction) []byte {
	return []byte(fmt.Sprintf("relay/%s/%s", dir, peerID))
}

func encodeState(s StreamState) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("relaystore: encode: %w", err)
	}
	return b, nil
}

func decodeState(b []byte) (StreamState, error) {
	var s StreamState
	if err := json.Unmarshal(b, &s); err != nil {
		return StreamState{}, fmt.Errorf("relaystore: decode: %w", err)
	}
	return s, nil
}
