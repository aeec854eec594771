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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/ionsync/engine/cursor"
	"github.com/ionsync/engine/internal/xlog"
	"github.com/ionsync/engine/record"
	"github.com/ionsync/engine/relaystore"
	"github.com/ionsync/engine/transport"
)

const (
	backlogCap   = 10_000
	reorderCap   = 10_000
	restartPause = 5 * time.Second
)

// peerRecv is the subscribing half of one directed relay stream: it
// issues RESYNC (publishing a CURSOR) to request the remote (re)send
// from a known point, then follows the resulting CHANGES chain in
// causal order, buffering and reordering as needed (spec §4.4.3).
type peerRecv struct {
	peerID    string
	localPriv *btcec.PrivateKey
	remotePub *btcec.PublicKey
	conn      Conn
	store     relaystore.Store
	log       xlog.Logger
	onReceive func(msg transport.PeerMessage) (cursor.Cursor, error)

	localPeerID string // our own peer id, sent in CURSOR payloads

	recvCursorID  string
	lastEventID   string
	lastTimestamp int64
	recvCursor    cursor.Cursor

	mu            sync.Mutex
	pendingCursor cursor.Cursor
	resyncCh      chan struct{}
}

func newPeerRecv(peerID string, localPriv *btcec.PrivateKey, remotePub *btcec.PublicKey, conn Conn, store relaystore.Store, log xlog.Logger, onReceive func(transport.PeerMessage) (cursor.Cursor, error)) *peerRecv {
	pr := &peerRecv{
		peerID:    peerID,
		localPriv: localPriv,
		remotePub: remotePub,
		conn:      conn,
		store:     store,
		log:       log,
		onReceive: onReceive,
		resyncCh:  make(chan struct{}, 1),
	}
	if state, err := store.Get(peerID, relaystore.DirRecv); err == nil {
		pr.recvCursorID = state.StreamID
		pr.lastEventID = state.LastEventID
		pr.lastTimestamp = state.RecvChangesSince
		pr.recvCursor = state.Cursor
	}
	return pr
}

// RequestResync asks the running loop to break off whatever it is doing
// and issue a fresh RESYNC advertising cursor c -- this is what backs
// Transport.Sync for the relay transport (spec §4.4.3's "on Sync,
// publish a CURSOR event").
func (pr *peerRecv) RequestResync(c cursor.Cursor) {
	pr.mu.Lock()
	pr.pendingCursor = c.Clone()
	pr.mu.Unlock()
	select {
	case pr.resyncCh <- struct{}{}:
	default:
	}
}

// run drives the RESYNC -> SUBSCRIBE -> PROCESSING loop until ctx is
// cancelled, restarting from RESYNC whenever the stream breaks or a
// RequestResync arrives. It does nothing until the first RequestResync
// (the local coordinator always issues one right after connect, per
// spec §4.1's connect handshake) so the first RESYNC reflects the
// caller's real cursor instead of an empty placeholder.
func (pr *peerRecv) run(ctx context.Context) {
	var pending cursor.Cursor
	have := false
	for {
		if ctx.Err() != nil {
			return
		}

		select {
		case <-pr.resyncCh:
			pr.mu.Lock()
			pending = pr.pendingCursor
			pr.mu.Unlock()
			have = true
		default:
		}
		if !have {
			select {
			case <-pr.resyncCh:
				pr.mu.Lock()
				pending = pr.pendingCursor
				pr.mu.Unlock()
				have = true
			case <-ctx.Done():
				return
			}
		}

		if err := pr.resync(ctx, pending); err != nil {
			pr.log.Warn("relay: resync publish failed, pausing", "peer", pr.peerID, "err", err)
			select {
			case <-time.After(restartPause):
			case <-ctx.Done():
				return
			}
			continue
		}

		procCtx, cancel := context.WithCancel(ctx)
		watchDone := make(chan struct{})
		requested := false
		go func() {
			defer close(watchDone)
			select {
			case <-pr.resyncCh:
				pr.mu.Lock()
				pending = pr.pendingCursor
				pr.mu.Unlock()
				requested = true
				cancel()
			case <-procCtx.Done():
			}
		}()

		err := pr.subscribeAndProcess(procCtx)
		cancel()
		<-watchDone
		if errors.Is(err, errApplyAborted) {
			pr.log.Error("relay: apply failed, stream aborted", "peer", pr.peerID, "err", err)
			return
		}
		if requested {
			continue
		}
		if err != nil && ctx.Err() == nil {
			pr.log.Warn("relay: stream broke, restarting", "peer", pr.peerID, "err", err)
		}

		select {
		case <-time.After(restartPause):
		case <-ctx.Done():
			return
		}
	}
}

// resync publishes a fresh CURSOR requesting the remote stream changes
// from local, under a new stream id, persisting it before returning.
func (pr *peerRecv) resync(ctx context.Context, local cursor.Cursor) error {
	streamID := newStreamID()
	payload := cursorPayload{LocalPeerID: pr.localPeerID, StreamID: streamID, Cursor: local}
	content, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	e, err := buildEvent(pr.localPriv, time.Now().Unix(), KindCursor, nil, content, pr.remotePub)
	if err != nil {
		return err
	}
	if err := pr.conn.Publish(ctx, e); err != nil {
		return err
	}
	pr.recvCursorID = streamID
	pr.lastEventID = ""
	pr.lastTimestamp = 0
	return pr.persist()
}

func (pr *peerRecv) persist() error {
	return pr.store.Put(pr.peerID, relaystore.DirRecv, relaystore.StreamState{
		StreamID:         pr.recvCursorID,
		LastEventID:      pr.lastEventID,
		RecvChangesSince: pr.lastTimestamp,
		Cursor:           pr.recvCursor,
	})
}

// subscribeAndProcess implements spec §4.4.3: fetch up to backlogCap
// backlog events newest-first in one request, signal a link break if the
// cap is reached without recv_changes_event_id among them, replay
// whatever causal chain that backlog yields, then follow the live
// subscription the same way.
func (pr *peerRecv) subscribeAndProcess(ctx context.Context) error {
	backlog, err := pr.conn.Backlog(ctx, Filter{
		Kind:    KindChanges,
		Authors: []string{hexPub(pr.remotePub)},
		RTag:    pr.recvCursorID,
		Until:   time.Now().Unix(),
		Limit:   backlogCap,
	})
	if err != nil {
		return err
	}
	if pr.lastEventID != "" && len(backlog) >= backlogCap && !containsEventID(backlog, pr.lastEventID) {
		return errLinkBreak
	}

	buffer := make(map[string]Event, reorderCap) // keyed by prev_event_id
	for _, e := range backlog {
		buffer[e.Tag("e")] = e
	}
	if err := pr.drain(buffer); err != nil {
		return err
	}

	events, err := pr.conn.Subscribe(ctx, Filter{
		Kind:    KindChanges,
		Authors: []string{hexPub(pr.remotePub)},
		RTag:    pr.recvCursorID,
		Since:   pr.lastTimestamp,
	})
	if err != nil {
		return err
	}
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if len(buffer) >= reorderCap {
				return errBufferFull
			}
			buffer[e.Tag("e")] = e
			if err := pr.drain(buffer); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func containsEventID(events []Event, id string) bool {
	for _, e := range events {
		if e.ID == id {
			return true
		}
	}
	return false
}

var (
	errBufferFull = fmt.Errorf("relay: reorder buffer exceeded cap")
	errLinkBreak  = fmt.Errorf("relay: backlog cap reached without finding recv_changes_event_id")
	// errApplyAborted wraps an apply failure; run stops instead of
	// restarting the stream.
	errApplyAborted = fmt.Errorf("relay: apply failed")
)

// drain repeatedly looks up the event whose parent is lastEventID,
// applies it, advances lastEventID, and persists -- the reorder-buffer
// drain loop of spec §4.4.3.
func (pr *peerRecv) drain(buffer map[string]Event) error {
	for {
		e, ok := buffer[pr.lastEventID]
		if !ok {
			return nil
		}
		delete(buffer, pr.lastEventID)
		if !verify(e) {
			pr.log.Warn("relay: dropping event with bad signature", "peer", pr.peerID, "event", e.ID)
			continue
		}
		plain, err := decryptContent(pr.localPriv, pr.remotePub, e)
		if err != nil {
			pr.log.Warn("relay: dropping undecryptable event", "peer", pr.peerID, "event", e.ID, "err", err)
			continue
		}
		var wire changesWire
		if err := json.Unmarshal(plain, &wire); err != nil {
			pr.log.Warn("relay: malformed changes payload", "peer", pr.peerID, "err", err)
			continue
		}
		msg, err := fromWirePeerMsg(wire.Msg)
		if err != nil {
			pr.log.Warn("relay: malformed change record in payload", "peer", pr.peerID, "err", err)
			continue
		}

		// The critical correctness point of spec §4.4.3: recv_cursor
		// mirrors what the Ledger actually absorbed, not what arrived --
		// some records may have been rejected by the CRDT merge.
		newOwn, err := pr.onReceive(msg)
		if err != nil {
			return fmt.Errorf("%w: %v", errApplyAborted, err) // ABORTED: stop, do not auto-loop
		}
		pr.recvCursor = newOwn

		pr.lastEventID = e.ID
		pr.lastTimestamp = e.CreatedAt
		if err := pr.persist(); err != nil {
			pr.log.Error("relay: failed to persist recv state", "peer", pr.peerID, "err", err)
		}
	}
}

func fromWirePeerMsg(w wirePeerMsg) (transport.PeerMessage, error) {
	changes := make([]record.Change, 0, len(w.Data))
	for _, wc := range w.Data {
		c, err := record.FromWire(wc)
		if err != nil {
			return transport.PeerMessage{}, err
		}
		changes = append(changes, c)
	}
	return transport.PeerMessage{Type: w.Type, Data: changes, SchemaVersion: w.SchemaVersion}, nil
}
