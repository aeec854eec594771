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
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ionsync/engine/cursor"
	"github.com/ionsync/engine/internal/xlog"
	"github.com/ionsync/engine/record"
	"github.com/ionsync/engine/relaystore"
	"github.com/ionsync/engine/transport"
)

const (
	sendDebounce     = 100 * time.Millisecond
	sendBatchTarget  = 200 * 1024 // encrypted-payload target size, spec §4.4.4 step 3
	publishRetryWait = 10 * time.Second
)

// cursorPayload is CURSOR content after decryption (spec §4.4.1).
type cursorPayload struct {
	LocalPeerID string        `json:"local_peer_id"`
	StreamID    string        `json:"stream_id"`
	Cursor      cursor.Cursor `json:"cursor"`
}

type changesWire struct {
	LocalPeerID string      `json:"local_peer_id"`
	Msg         wirePeerMsg `json:"msg"`
}

type wirePeerMsg struct {
	Type          transport.MessageType `json:"type"`
	Data          []record.WireChange   `json:"data"`
	SchemaVersion uint64                `json:"schema_version"`
}

// peerSend is the authoring half of one directed relay stream: it turns
// outbound PeerMessages into a causally-chained series of CHANGES
// events, reacting to CURSOR requests from the remote to (re)start that
// chain (spec §4.4.4).
type peerSend struct {
	peerID    string
	localPriv *btcec.PrivateKey
	remotePub *btcec.PublicKey
	conn      Conn
	store     relaystore.Store
	limiter   *rate.Limiter
	log       xlog.Logger
	onSync    func(c cursor.Cursor)

	localPeerID string // our own peer id, sent in CHANGES payloads

	mu               sync.Mutex
	streamID         string
	sendCursor       cursor.Cursor
	changesEventID   string
	changesTimestamp int64
	pending          []record.Change
	schemaVersion    uint64
	timer            *time.Timer
}

func newPeerSend(peerID string, localPriv *btcec.PrivateKey, remotePub *btcec.PublicKey, conn Conn, store relaystore.Store, limiter *rate.Limiter, log xlog.Logger, onSync func(cursor.Cursor)) *peerSend {
	ps := &peerSend{
		peerID:    peerID,
		localPriv: localPriv,
		remotePub: remotePub,
		conn:      conn,
		store:     store,
		limiter:   limiter,
		log:       log,
		onSync:    onSync,
	}
	if state, err := store.Get(peerID, relaystore.DirSend); err == nil {
		ps.streamID = state.StreamID
		ps.sendCursor = state.Cursor
		ps.changesEventID = state.LastEventID
		ps.changesTimestamp = state.RecvChangesSince
	}
	return ps
}

// run subscribes to CURSOR events authored by the remote and processes
// them until ctx is cancelled.
func (ps *peerSend) run(ctx context.Context) {
	events, err := ps.conn.Subscribe(ctx, Filter{Kind: KindCursor, Authors: []string{hexPub(ps.remotePub)}})
	if err != nil {
		ps.log.Error("relay: failed to subscribe to cursor requests", "peer", ps.peerID, "err", err)
		return
	}
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			ps.handleCursor(e)
		case <-ctx.Done():
			return
		}
	}
}

func (ps *peerSend) handleCursor(e Event) {
	plain, err := decryptContent(ps.localPriv, ps.remotePub, e)
	if err != nil {
		ps.log.Warn("relay: failed to decrypt cursor event", "peer", ps.peerID, "err", err)
		return
	}
	var payload cursorPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		ps.log.Warn("relay: malformed cursor payload", "peer", ps.peerID, "err", err)
		return
	}
	if payload.LocalPeerID != ps.peerID {
		ps.log.Warn("relay: cursor payload peer id mismatch", "expected", ps.peerID, "got", payload.LocalPeerID)
		return
	}

	ps.mu.Lock()
	sameStream := payload.StreamID == ps.streamID && ps.streamID != ""
	if !sameStream {
		ps.streamID = payload.StreamID
		ps.sendCursor = payload.Cursor.Clone()
		ps.changesEventID = ""
		ps.changesTimestamp = 0
	}
	ps.persistLocked()
	ps.mu.Unlock()

	if !sameStream {
		ps.onSync(payload.Cursor.Clone())
	}
}

func (ps *peerSend) persistLocked() {
	_ = ps.store.Put(ps.peerID, relaystore.DirSend, relaystore.StreamState{
		Cursor:           ps.sendCursor.Clone(),
		StreamID:         ps.streamID,
		LastEventID:      ps.changesEventID,
		RecvChangesSince: ps.changesTimestamp,
	})
}

// send implements spec §4.4.4's outbound path: eose messages are a
// no-op for this transport (catch-up completion is implicit once the
// receiver's backlog fetch reaches live events, see DESIGN.md); changes
// messages join the debounced pending buffer.
func (ps *peerSend) send(ctx context.Context, msg transport.PeerMessage) error {
	if msg.Type == transport.MessageEOSE {
		return nil
	}
	if ps.limiter != nil {
		if err := ps.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	ps.mu.Lock()
	ps.pending = append(ps.pending, msg.Data...)
	ps.schemaVersion = msg.SchemaVersion
	if ps.timer == nil {
		ps.timer = time.AfterFunc(sendDebounce, func() { ps.flush(ctx) })
	}
	ps.mu.Unlock()
	return nil
}

// flush splits the pending buffer into ~200KB batches and publishes
// each as a chained CHANGES event.
func (ps *peerSend) flush(ctx context.Context) {
	ps.mu.Lock()
	batch := ps.pending
	ps.pending = nil
	ps.timer = nil
	streamID := ps.streamID
	schema := ps.schemaVersion
	ps.mu.Unlock()

	if len(batch) == 0 || streamID == "" {
		return
	}

	for _, chunk := range splitBySize(batch, sendBatchTarget) {
		ps.publishChunk(ctx, chunk, schema, streamID)
	}
}

func (ps *peerSend) publishChunk(ctx context.Context, chunk []record.Change, schema uint64, streamID string) {
	wireChanges := make([]record.WireChange, 0, len(chunk))
	for i := range chunk {
		wireChanges = append(wireChanges, chunk[i].ToWire())
	}
	payload := changesWire{
		LocalPeerID: ps.localPeerID,
		Msg:         wirePeerMsg{Type: transport.MessageChanges, Data: wireChanges, SchemaVersion: schema},
	}
	content, err := json.Marshal(payload)
	if err != nil {
		ps.log.Error("relay: failed to marshal changes payload", "peer", ps.peerID, "err", err)
		return
	}

	ps.mu.Lock()
	prevID := ps.changesEventID
	createdAt := time.Now().Unix()
	if createdAt < ps.changesTimestamp {
		createdAt = ps.changesTimestamp
	}
	ps.mu.Unlock()

	tags := [][]string{{"r", streamID}, {"e", prevID}}
	e, err := buildEvent(ps.localPriv, createdAt, KindChanges, tags, content, ps.remotePub)
	if err != nil {
		ps.log.Error("relay: failed to build changes event", "peer", ps.peerID, "err", err)
		return
	}

	if err := ps.conn.Publish(ctx, e); err != nil {
		ps.log.Warn("relay: publish failed, retrying", "peer", ps.peerID, "err", err, "wait", publishRetryWait)
		ps.requeue(chunk)
		time.AfterFunc(publishRetryWait, func() { ps.flush(ctx) })
		return
	}

	ps.mu.Lock()
	for _, rec := range chunk {
		ps.sendCursor.Advance(rec.SiteID.String(), rec.DBVersion)
	}
	ps.changesEventID = e.ID
	ps.changesTimestamp = createdAt
	ps.persistLocked()
	ps.mu.Unlock()
}

func (ps *peerSend) requeue(chunk []record.Change) {
	ps.mu.Lock()
	ps.pending = append(chunk, ps.pending...)
	ps.mu.Unlock()
}

// splitBySize groups changes into chunks whose estimated encrypted size
// stays near target bytes, sized by summing field lengths (spec
// §4.4.4 step 3).
func splitBySize(batch []record.Change, target int) [][]record.Change {
	var out [][]record.Change
	var cur []record.Change
	size := 0
	for _, rec := range batch {
		n := estimateSize(rec)
		if size > 0 && size+n > target {
			out = append(out, cur)
			cur = nil
			size = 0
		}
		cur = append(cur, rec)
		size += n
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func estimateSize(c record.Change) int {
	size := len(c.Table) + len(c.PK) + len(c.CID) + 40
	if s, ok := c.Val.(string); ok {
		size += len(s)
	} else {
		size += 64
	}
	return size
}

func hexPub(pub *btcec.PublicKey) string {
	return fmt.Sprintf("%x", pub.SerializeCompressed())
}

// newStreamID generates a fresh random stream id for a RESYNC.
func newStreamID() string {
	return uuid.NewString()
}
