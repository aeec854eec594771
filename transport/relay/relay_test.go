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

package relay

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/ionsync/engine/cursor"
	"github.com/ionsync/engine/internal/xlog"
	"github.com/ionsync/engine/record"
	"github.com/ionsync/engine/relaystore"
	"github.com/ionsync/engine/transport"
)

func waitForCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func testChange(t *testing.T, siteHex string, db uint64) record.Change {
	t.Helper()
	id, err := record.ParseSiteID(siteHex)
	require.NoError(t, err)
	return record.Change{
		Table:      "todos",
		PK:         []byte("row1"),
		CID:        "value",
		Val:        "x",
		ColVersion: 1,
		DBVersion:  db,
		SiteID:     id,
		CL:         1,
		Seq:        1,
	}
}

// noopCallbacks fills in every Callbacks field with a no-op so test
// cases only need to override what they actually exercise.
func noopCallbacks() transport.Callbacks {
	return transport.Callbacks{
		OnConnect: func(transport.Transport, string) {},
		OnSync:    func(transport.Transport, string, cursor.Cursor) {},
		OnReceive: func(transport.Transport, string, transport.PeerMessage) {},
		OnReceiveSync: func(transport.Transport, string, transport.PeerMessage) (cursor.Cursor, error) {
			return cursor.New(), nil
		},
		OnDisconnect: func(transport.Transport, string) {},
	}
}

// TestResyncDeliversChangesAcrossRelay covers S3: a fresh RESYNC request
// from A must cause B to stream its pending changes back to A as a
// causally-chained CHANGES event, which A decrypts, verifies and
// delivers to its receive callback.
func TestResyncDeliversChangesAcrossRelay(t *testing.T) {
	broker := NewMemRelay()

	privA, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	privB, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	peersA := NewStaticPeerStore(PeerStoreEntry{PeerID: "B", RemotePub: privB.PubKey()})
	peersB := NewStaticPeerStore(PeerStoreEntry{PeerID: "A", RemotePub: privA.PubKey()})

	tA, err := New(Config{
		LocalPeerID:       "A",
		LocalPriv:         privA,
		Conn:              broker.Conn(),
		Store:             relaystore.NewMemory(),
		Peers:             peersA,
		ReconcileInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	tB, err := New(Config{
		LocalPeerID:       "B",
		LocalPriv:         privB,
		Conn:              broker.Conn(),
		Store:             relaystore.NewMemory(),
		Peers:             peersB,
		ReconcileInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	received := make(chan transport.PeerMessage, 4)
	cbA := noopCallbacks()
	cbA.OnReceiveSync = func(_ transport.Transport, _ string, msg transport.PeerMessage) (cursor.Cursor, error) {
		received <- msg
		out := cursor.New()
		for _, rec := range msg.Data {
			out.Advance(rec.SiteID.String(), rec.DBVersion)
		}
		return out, nil
	}
	cbB := noopCallbacks()

	require.NoError(t, tA.Start(cbA))
	require.NoError(t, tB.Start(cbB))
	defer tA.Stop()
	defer tB.Stop()

	waitForCond(t, func() bool { _, ok := tA.sessionFor("B"); return ok })
	waitForCond(t, func() bool { _, ok := tB.sessionFor("A"); return ok })
	// Let both sides' send/recv goroutines reach their first subscribe
	// before RESYNC is published, or the in-memory broker's live fan-out
	// (no replay) would miss it.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, tA.Sync("B", cursor.New()))

	waitForCond(t, func() bool {
		s, ok := tB.sessionFor("A")
		if !ok {
			return false
		}
		s.send.mu.Lock()
		defer s.send.mu.Unlock()
		return s.send.streamID != ""
	})

	batch := []record.Change{testChange(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", 1)}
	require.NoError(t, tB.Send("A", transport.Changes(batch, 1)))

	select {
	case msg := <-received:
		require.Len(t, msg.Data, 1)
		require.Equal(t, uint64(1), msg.Data[0].DBVersion)
	case <-time.After(2 * time.Second):
		t.Fatal("A never received B's changes")
	}
}

// TestRequestResyncInterruptsRunningStream covers the reconnect path: a
// second RequestResync while a stream is active must tear down the old
// one and start a fresh stream id rather than being ignored.
func TestRequestResyncInterruptsRunningStream(t *testing.T) {
	broker := NewMemRelay()

	privA, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	privB, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	store := relaystore.NewMemory()
	recv := newPeerRecv("B", privA, privB.PubKey(), broker.Conn(), store, xlog.New(), func(transport.PeerMessage) (cursor.Cursor, error) {
		return cursor.New(), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go recv.run(ctx)

	streamIDOf := func() string {
		state, err := store.Get("B", relaystore.DirRecv)
		if err != nil {
			return ""
		}
		return state.StreamID
	}

	recv.RequestResync(cursor.New())
	waitForCond(t, func() bool { return streamIDOf() != "" })
	firstStream := streamIDOf()

	recv.RequestResync(cursor.Cursor{"x": 1})
	waitForCond(t, func() bool {
		s := streamIDOf()
		return s != "" && s != firstStream
	})
}
