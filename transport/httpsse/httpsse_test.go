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

package httpsse

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ionsync/engine/cursor"
	"github.com/ionsync/engine/record"
	"github.com/ionsync/engine/transport"
)

func TestClientServerRoundTrip(t *testing.T) {
	srv := NewServer([]string{"*"})
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	serverConnect := make(chan string, 1)
	serverSync := make(chan cursor.Cursor, 1)
	require.NoError(t, srv.Start(transport.Callbacks{
		OnConnect: func(_ transport.Transport, peerID string) { serverConnect <- peerID },
		OnSync:    func(_ transport.Transport, _ string, c cursor.Cursor) { serverSync <- c },
	}))

	client := NewClient(httpSrv.URL, "clientsite")
	clientConnect := make(chan string, 1)
	clientData := make(chan transport.PeerMessage, 1)
	require.NoError(t, client.Start(transport.Callbacks{
		OnConnect: func(_ transport.Transport, peerID string) { clientConnect <- peerID },
		OnReceive: func(_ transport.Transport, _ string, m transport.PeerMessage) { clientData <- m },
	}))
	defer client.Stop()
	defer srv.Stop()

	select {
	case id := <-serverConnect:
		require.Equal(t, "clientsite", id)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw connect")
	}
	select {
	case id := <-clientConnect:
		require.Equal(t, "server", id)
	case <-time.After(2 * time.Second):
		t.Fatal("client never saw connect")
	}

	require.NoError(t, client.Sync("server", cursor.Cursor{"clientsite": 3}))
	select {
	case c := <-serverSync:
		require.Equal(t, uint64(3), c.Get("clientsite"))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received sync")
	}

	site, err := record.ParseSiteID("11112222333344445555666677778888")
	require.NoError(t, err)
	batch := []record.Change{{
		Table: "todos", PK: []byte("row1"), CID: "value", Val: "x",
		ColVersion: 1, DBVersion: 1, SiteID: site, CL: 1, Seq: 1,
	}}
	require.NoError(t, srv.Send("clientsite", transport.Changes(batch, 1)))

	select {
	case msg := <-clientData:
		require.Equal(t, transport.MessageChanges, msg.Type)
		require.Len(t, msg.Data, 1)
		require.Equal(t, "todos", msg.Data[0].Table)
	case <-time.After(2 * time.Second):
		t.Fatal("client never received data")
	}
}
