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

// Package inproc implements the in-process transport (spec §4.2): a
// thin bridge over an ordered, reliable, bidirectional Go channel
// between two colocated coordinators (e.g. worker <-> main). Grounded on
// the teacher's p2p/simulations package, which connects peers in the
// same process with plain channels rather than sockets.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/ionsync/engine/cursor"
	"github.com/ionsync/engine/internal/xlog"
	"github.com/ionsync/engine/transport"
)

type envelopeKind int

const (
	kindHello envelopeKind = iota
	kindSync
	kindData
)

type envelope struct {
	kind   envelopeKind
	site   string // hello: sender's site id
	cursor cursor.Cursor
	msg    transport.PeerMessage
}

// InProc is one end of a direct, in-memory channel pair. Exactly one
// remote peer is reachable through a given InProc instance.
type InProc struct {
	selfID string
	peerID string

	out chan envelope
	in  chan envelope

	log xlog.Logger

	mu       sync.Mutex
	cb       transport.Callbacks
	started  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	helloSet bool
}

// NewPair builds two linked InProc transports, one per side, identified
// by their own site ids. Each side's remote peer id is the other's site
// id.
func NewPair(siteA, siteB string) (*InProc, *InProc) {
	aToB := make(chan envelope, 256)
	bToA := make(chan envelope, 256)

	a := &InProc{selfID: siteA, peerID: siteB, out: aToB, in: bToA, log: xlog.New("transport", "inproc", "self", siteA)}
	b := &InProc{selfID: siteB, peerID: siteA, out: bToA, in: aToB, log: xlog.New("transport", "inproc", "self", siteB)}
	return a, b
}

// Start wires cb and begins the read loop. It also sends this side's
// hello so the peer's on_connect fires as soon as both sides have
// started.
func (t *InProc) Start(cb transport.Callbacks) error {
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
	go t.readLoop()

	select {
	case t.out <- envelope{kind: kindHello, site: t.selfID}:
	case <-t.stopCh:
	}
	return nil
}

func (t *InProc) readLoop() {
	defer t.wg.Done()
	for {
		select {
		case env := <-t.in:
			t.dispatch(env)
		case <-t.stopCh:
			return
		}
	}
}

func (t *InProc) dispatch(env envelope) {
	t.mu.Lock()
	cb := t.cb
	first := !t.helloSet
	t.helloSet = true
	t.mu.Unlock()

	switch env.kind {
	case kindHello:
		if first {
			cb.OnConnect(t, t.peerID)
		}
	case kindSync:
		cb.OnSync(t, t.peerID, env.cursor)
	case kindData:
		cb.OnReceive(t, t.peerID, env.msg)
	}
}

// Stop tears down the channel read loop and reports the peer as
// disconnected.
func (t *InProc) Stop() error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	cb := t.cb
	stopCh := t.stopCh
	t.mu.Unlock()

	close(stopCh)
	t.wg.Wait()
	if cb.OnDisconnect != nil {
		cb.OnDisconnect(t, t.peerID)
	}
	return nil
}

// Sync forwards our cursor to the peer, verbatim (spec §4.2).
func (t *InProc) Sync(peerID string, c cursor.Cursor) error {
	if peerID != t.peerID {
		return fmt.Errorf("inproc: unknown peer %q", peerID)
	}
	select {
	case t.out <- envelope{kind: kindSync, cursor: c.Clone()}:
		return nil
	case <-t.stopCh:
		return fmt.Errorf("inproc: stopped")
	}
}

// Send forwards a changes/eose message to the peer, verbatim.
func (t *InProc) Send(peerID string, msg transport.PeerMessage) error {
	if peerID != t.peerID {
		return fmt.Errorf("inproc: unknown peer %q", peerID)
	}
	select {
	case t.out <- envelope{kind: kindData, msg: msg}:
		return nil
	case <-t.stopCh:
		return fmt.Errorf("inproc: stopped")
	}
}

// WaitCanSend never blocks: the in-process channel has no independent
// backpressure limit beyond its buffer.
func (t *InProc) WaitCanSend(ctx context.Context, peerID string) error {
	return nil
}

var _ transport.Transport = (*InProc)(nil)
