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

package inproc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ionsync/engine/cursor"
	"github.com/ionsync/engine/transport"
)

func TestStartExchangesHello(t *testing.T) {
	a, b := NewPair("aaaa", "bbbb")

	connectedA := make(chan string, 1)
	connectedB := make(chan string, 1)

	require.NoError(t, a.Start(transport.Callbacks{
		OnConnect: func(_ transport.Transport, peerID string) { connectedA <- peerID },
	}))
	require.NoError(t, b.Start(transport.Callbacks{
		OnConnect: func(_ transport.Transport, peerID string) { connectedB <- peerID },
	}))

	select {
	case id := <-connectedA:
		require.Equal(t, "bbbb", id)
	case <-time.After(time.Second):
		t.Fatal("a never saw connect")
	}
	select {
	case id := <-connectedB:
		require.Equal(t, "aaaa", id)
	case <-time.After(time.Second):
		t.Fatal("b never saw connect")
	}

	require.NoError(t, a.Stop())
	require.NoError(t, b.Stop())
}

func TestSyncAndSendForwardVerbatim(t *testing.T) {
	a, b := NewPair("aaaa", "bbbb")

	syncCh := make(chan cursor.Cursor, 1)
	dataCh := make(chan transport.PeerMessage, 1)

	require.NoError(t, a.Start(transport.Callbacks{OnConnect: func(transport.Transport, string) {}}))
	require.NoError(t, b.Start(transport.Callbacks{
		OnConnect: func(transport.Transport, string) {},
		OnSync:    func(_ transport.Transport, _ string, c cursor.Cursor) { syncCh <- c },
		OnReceive: func(_ transport.Transport, _ string, m transport.PeerMessage) { dataCh <- m },
	}))

	require.NoError(t, a.Sync("bbbb", cursor.Cursor{"aaaa": 5}))
	select {
	case c := <-syncCh:
		require.Equal(t, uint64(5), c.Get("aaaa"))
	case <-time.After(time.Second):
		t.Fatal("b never saw sync")
	}

	require.NoError(t, a.Send("bbbb", transport.EOSE()))
	select {
	case m := <-dataCh:
		require.Equal(t, transport.MessageEOSE, m.Type)
	case <-time.After(time.Second):
		t.Fatal("b never saw data")
	}

	require.NoError(t, a.Stop())
	require.NoError(t, b.Stop())
}
