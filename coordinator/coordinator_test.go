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

package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ionsync/engine/ledger"
	"github.com/ionsync/engine/record"
	"github.com/ionsync/engine/transport/inproc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func site(t *testing.T, hex string) record.SiteID {
	t.Helper()
	id, err := record.ParseSiteID(hex)
	require.NoError(t, err)
	return id
}

func change(t *testing.T, siteHex string, db uint64, table, pk string) record.Change {
	t.Helper()
	return record.Change{
		Table:      table,
		PK:         []byte(pk),
		CID:        "value",
		Val:        "x",
		ColVersion: 1,
		DBVersion:  db,
		SiteID:     site(t, siteHex),
		CL:         1,
		Seq:        1,
	}
}

func waitFor(t *testing.T, cond func() bool) {
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

// TestTwoPeersOneLocalWrite covers S1: a local write on A, once
// check_local_changes runs, must reach B's Ledger and leave both
// cursors at {siteA: 1}.
func TestTwoPeersOneLocalWrite(t *testing.T) {
	const aHex = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	const bHex = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	ledgerA := ledger.NewMemory(site(t, aHex), 1)
	ledgerB := ledger.NewMemory(site(t, bHex), 1)

	coordA := New(ledgerA, Options{})
	coordB := New(ledgerB, Options{})

	tA, tB := inproc.NewPair(aHex, bHex)
	coordA.Attach(tA)
	coordB.Attach(tB)

	ctx := context.Background()
	require.NoError(t, coordA.Start(ctx))
	require.NoError(t, coordB.Start(ctx))
	defer coordA.Stop()
	defer coordB.Stop()

	waitFor(t, func() bool {
		_, ok := coordA.peerCursorSnapshot(bHex)
		return ok
	})

	ledgerA.WriteLocal([]record.Change{change(t, aHex, 1, "todos", "row1")})
	require.NoError(t, coordA.CheckLocalChanges(ctx))

	waitFor(t, func() bool { return ledgerB.Len() == 1 })

	curA, err := ledgerA.Cursor(ctx)
	require.NoError(t, err)
	curB, err := ledgerB.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), curA.Get(aHex))
	require.Equal(t, uint64(1), curB.Get(aHex))
}

// TestCatchUpDeliversHistoryBeforeLiveWrite covers S2: B connects after
// A already has history; B's catch-up must deliver it, and a live write
// on A made shortly after must also reach B.
func TestCatchUpDeliversHistoryBeforeLiveWrite(t *testing.T) {
	const aHex = "cccccccccccccccccccccccccccccccc"
	const bHex = "dddddddddddddddddddddddddddddddd"

	ledgerA := ledger.NewMemory(site(t, aHex), 1)
	ledgerA.WriteLocal([]record.Change{
		change(t, aHex, 1, "todos", "row1"),
		change(t, aHex, 2, "todos", "row2"),
	})
	ledgerB := ledger.NewMemory(site(t, bHex), 1)

	coordA := New(ledgerA, Options{})
	coordB := New(ledgerB, Options{})

	tA, tB := inproc.NewPair(aHex, bHex)
	coordA.Attach(tA)
	coordB.Attach(tB)

	ctx := context.Background()
	require.NoError(t, coordA.Start(ctx))
	require.NoError(t, coordB.Start(ctx))
	defer coordA.Stop()
	defer coordB.Stop()

	waitFor(t, func() bool { return ledgerB.Len() == 2 })

	ledgerA.WriteLocal([]record.Change{change(t, aHex, 3, "todos", "row3")})
	require.NoError(t, coordA.CheckLocalChanges(ctx))

	waitFor(t, func() bool { return ledgerB.Len() == 3 })

	curB, err := ledgerB.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), curB.Get(aHex))
}

// TestSchemaSkewEmitsOutdatedAndDropsBatch covers S4: a peer announcing a
// newer schema version than ours must have its batch dropped and an
// outdated event raised, with no records absorbed.
func TestSchemaSkewEmitsOutdatedAndDropsBatch(t *testing.T) {
	const aHex = "11111111111111111111111111111111"
	const bHex = "22222222222222222222222222222222"

	ledgerA := ledger.NewMemory(site(t, aHex), 1)
	ledgerB := ledger.NewMemory(site(t, bHex), 5) // B is ahead: schema 5 vs A's 1

	coordA := New(ledgerA, Options{})
	coordB := New(ledgerB, Options{})

	outdated := make(chan OutdatedEvent, 1)
	unsub := coordA.SubscribeOutdated(outdated)
	defer unsub()

	tA, tB := inproc.NewPair(aHex, bHex)
	coordA.Attach(tA)
	coordB.Attach(tB)

	ctx := context.Background()
	require.NoError(t, coordA.Start(ctx))
	require.NoError(t, coordB.Start(ctx))
	defer coordA.Stop()
	defer coordB.Stop()

	waitFor(t, func() bool {
		_, ok := coordA.peerCursorSnapshot(bHex)
		return ok
	})

	ledgerB.WriteLocal([]record.Change{change(t, bHex, 1, "todos", "row1")})
	require.NoError(t, coordB.CheckLocalChanges(ctx))

	select {
	case ev := <-outdated:
		require.Equal(t, uint64(5), ev.RemoteSchemaVersion)
		require.Equal(t, bHex, ev.PeerID)
	case <-time.After(2 * time.Second):
		t.Fatal("outdated event never fired")
	}
	require.Equal(t, 0, ledgerA.Len())
}

// TestThreePeerDiffusionExcludesSelfEcho covers S5: A writes locally, B
// receives and forwards to C, but C must never see the record looped
// back through B to A, and A must not receive its own record back.
func TestThreePeerDiffusionExcludesSelfEcho(t *testing.T) {
	const aHex = "33333333333333333333333333333333"
	const bHex = "44444444444444444444444444444444"
	const cHex = "55555555555555555555555555555555"

	ledgerA := ledger.NewMemory(site(t, aHex), 1)
	ledgerB := ledger.NewMemory(site(t, bHex), 1)
	ledgerC := ledger.NewMemory(site(t, cHex), 1)

	coordA := New(ledgerA, Options{})
	coordB := New(ledgerB, Options{})
	coordC := New(ledgerC, Options{})

	abA, abB := inproc.NewPair(aHex, bHex)
	bcB, bcC := inproc.NewPair(bHex, cHex)
	coordA.Attach(abA)
	coordB.Attach(abB)
	coordB.Attach(bcB)
	coordC.Attach(bcC)

	ctx := context.Background()
	require.NoError(t, coordA.Start(ctx))
	require.NoError(t, coordB.Start(ctx))
	require.NoError(t, coordC.Start(ctx))
	defer coordA.Stop()
	defer coordB.Stop()
	defer coordC.Stop()

	waitFor(t, func() bool {
		_, ok := coordA.peerCursorSnapshot(bHex)
		return ok
	})
	waitFor(t, func() bool {
		_, okB := coordB.peerCursorSnapshot(cHex)
		return okB
	})

	ledgerA.WriteLocal([]record.Change{change(t, aHex, 1, "todos", "row1")})
	require.NoError(t, coordA.CheckLocalChanges(ctx))

	waitFor(t, func() bool { return ledgerC.Len() == 1 })
	require.Equal(t, 1, ledgerB.Len())
	require.Equal(t, 1, ledgerA.Len())
}
