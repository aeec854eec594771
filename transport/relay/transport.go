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
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/time/rate"

	"github.com/ionsync/engine/cursor"
	"github.com/ionsync/engine/internal/xlog"
	"github.com/ionsync/engine/relaystore"
	"github.com/ionsync/engine/transport"
)

// defaultReconcileInterval is how often the Transport re-lists its peer
// store looking for additions/removals (spec §4.4.5).
const defaultReconcileInterval = 30 * time.Second

// PeerStoreEntry names one directed relay counterparty: a peer id and
// the public key reachable at that peer.
type PeerStoreEntry struct {
	PeerID    string
	RemotePub *btcec.PublicKey
}

// PeerStore supplies the set of peers a relay Transport should maintain
// sessions for. Implementations may back this with config, discovery,
// or a database; StaticPeerStore covers the common fixed-roster case.
type PeerStore interface {
	ListPeers(ctx context.Context) ([]PeerStoreEntry, error)
}

// StaticPeerStore is a PeerStore over a fixed, caller-supplied roster.
type StaticPeerStore struct {
	mu      sync.Mutex
	entries []PeerStoreEntry
}

// NewStaticPeerStore builds a StaticPeerStore seeded with entries.
func NewStaticPeerStore(entries ...PeerStoreEntry) *StaticPeerStore {
	return &StaticPeerStore{entries: append([]PeerStoreEntry(nil), entries...)}
}

// ListPeers implements PeerStore.
func (s *StaticPeerStore) ListPeers(_ context.Context) ([]PeerStoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PeerStoreEntry(nil), s.entries...), nil
}

// Set replaces the roster, taking effect on the Transport's next
// reconcile pass.
func (s *StaticPeerStore) Set(entries ...PeerStoreEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append([]PeerStoreEntry(nil), entries...)
}

// Config configures a Transport.
type Config struct {
	LocalPeerID string
	LocalPriv   *btcec.PrivateKey
	Conn        Conn
	Store       relaystore.Store
	Peers       PeerStore

	// RateLimit, if non-nil, is applied per outbound session to pace
	// publishes (spec §4.4.4's backpressure hook). Nil means unlimited.
	RateLimit func() *rate.Limiter

	// ReconcileInterval overrides defaultReconcileInterval.
	ReconcileInterval time.Duration

	Log xlog.Logger
}

// session bundles one peer's send/recv halves and the cancellation that
// tears both down.
type session struct {
	entry  PeerStoreEntry
	send   *peerSend
	recv   *peerRecv
	cancel context.CancelFunc
}

// Transport is the relay transport (spec §4.4): a pubsub-relay "virtual
// peer" maintaining one causally-chained CURSOR/CHANGES stream pair per
// remote site, reconciled against a PeerStore roster. Grounded on the
// teacher's p2p.Server peer-set reconciliation (p2p/server.go's
// dialstate/peer-loop), adapted from dialed TCP connections to relay
// subscriptions.
type Transport struct {
	cfg Config
	log xlog.Logger

	mu       sync.Mutex
	cb       transport.Callbacks
	started  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	sessions map[string]*session
}

// New builds a relay Transport from cfg. Conn, Store, Peers, LocalPriv
// and LocalPeerID are required.
func New(cfg Config) (*Transport, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("relay: Config.Conn is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("relay: Config.Store is required")
	}
	if cfg.Peers == nil {
		return nil, fmt.Errorf("relay: Config.Peers is required")
	}
	if cfg.LocalPriv == nil {
		return nil, fmt.Errorf("relay: Config.LocalPriv is required")
	}
	if cfg.LocalPeerID == "" {
		return nil, fmt.Errorf("relay: Config.LocalPeerID is required")
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	log := cfg.Log
	if log == nil {
		log = xlog.New("transport", "relay", "self", cfg.LocalPeerID)
	}
	return &Transport{cfg: cfg, log: log, sessions: make(map[string]*session)}, nil
}

// Start implements transport.Transport: it begins the peer-store
// reconcile loop, which establishes sessions (and fires cb.OnConnect)
// for every currently-listed peer, then keeps polling for changes.
func (t *Transport) Start(cb transport.Callbacks) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.cb = cb
	t.stopCh = make(chan struct{})
	t.mu.Unlock()

	t.wg.Add(1)
	go t.reconcileLoop()
	return nil
}

// Stop tears down every session, firing cb.OnDisconnect for each.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	close(t.stopCh)
	sessions := t.sessions
	t.sessions = make(map[string]*session)
	cb := t.cb
	t.mu.Unlock()

	t.wg.Wait()

	for peerID, s := range sessions {
		s.cancel()
		cb.OnDisconnect(t, peerID)
	}
	return nil
}

func (t *Transport) reconcileLoop() {
	defer t.wg.Done()
	t.reconcileOnce()
	ticker := time.NewTicker(t.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.reconcileOnce()
		case <-t.stopCh:
			return
		}
	}
}

// reconcileOnce diffs the current PeerStore roster against live
// sessions, starting sessions for new entries and tearing down ones no
// longer listed (spec §4.4.5).
func (t *Transport) reconcileOnce() {
	entries, err := t.cfg.Peers.ListPeers(context.Background())
	if err != nil {
		t.log.Warn("relay: failed to list peer store", "err", err)
		return
	}
	wanted := make(map[string]PeerStoreEntry, len(entries))
	for _, e := range entries {
		wanted[e.PeerID] = e
	}

	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	var toStart []PeerStoreEntry
	var toStop []*session
	for id, e := range wanted {
		if _, ok := t.sessions[id]; !ok {
			toStart = append(toStart, e)
		}
	}
	for id, s := range t.sessions {
		if _, ok := wanted[id]; !ok {
			toStop = append(toStop, s)
			delete(t.sessions, id)
		}
	}
	cb := t.cb
	t.mu.Unlock()

	for _, s := range toStop {
		s.cancel()
		cb.OnDisconnect(t, s.entry.PeerID)
	}
	for _, e := range toStart {
		t.startSession(e)
	}
}

func (t *Transport) startSession(entry PeerStoreEntry) {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if t.cfg.RateLimit != nil {
		limiter = t.cfg.RateLimit()
	}

	send := newPeerSend(entry.PeerID, t.cfg.LocalPriv, entry.RemotePub, t.cfg.Conn, t.cfg.Store, limiter, t.log,
		func(c cursor.Cursor) {
			t.mu.Lock()
			cb := t.cb
			t.mu.Unlock()
			if cb.OnSync != nil {
				cb.OnSync(t, entry.PeerID, c)
			}
		})

	recv := newPeerRecv(entry.PeerID, t.cfg.LocalPriv, entry.RemotePub, t.cfg.Conn, t.cfg.Store, t.log,
		func(msg transport.PeerMessage) (cursor.Cursor, error) {
			t.mu.Lock()
			cb := t.cb
			t.mu.Unlock()
			if cb.OnReceiveSync != nil {
				return cb.OnReceiveSync(t, entry.PeerID, msg)
			}
			if cb.OnReceive != nil {
				cb.OnReceive(t, entry.PeerID, msg)
			}
			return nil, nil
		})

	send.localPeerID = t.cfg.LocalPeerID
	recv.localPeerID = t.cfg.LocalPeerID

	s := &session{entry: entry, send: send, recv: recv, cancel: cancel}

	t.mu.Lock()
	t.sessions[entry.PeerID] = s
	cb := t.cb
	t.mu.Unlock()

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		send.run(ctx)
	}()
	go func() {
		defer t.wg.Done()
		recv.run(ctx)
	}()

	cb.OnConnect(t, entry.PeerID)
}

func (t *Transport) sessionFor(peerID string) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[peerID]
	return s, ok
}

// Sync implements transport.Transport: it asks peerID's recv side to
// (re)issue a RESYNC advertising c.
func (t *Transport) Sync(peerID string, c cursor.Cursor) error {
	s, ok := t.sessionFor(peerID)
	if !ok {
		return fmt.Errorf("relay: unknown peer %q", peerID)
	}
	s.recv.RequestResync(c)
	return nil
}

// Send implements transport.Transport, handing msg to peerID's send
// side.
func (t *Transport) Send(peerID string, msg transport.PeerMessage) error {
	s, ok := t.sessionFor(peerID)
	if !ok {
		return fmt.Errorf("relay: unknown peer %q", peerID)
	}
	return s.send.send(context.Background(), msg)
}

// WaitCanSend always returns immediately: backpressure is already
// enforced inside peerSend.send via the configured rate limiter, so
// there is no separate buffer-headroom wait to perform here.
func (t *Transport) WaitCanSend(_ context.Context, _ string) error {
	return nil
}

var _ transport.Transport = (*Transport)(nil)
