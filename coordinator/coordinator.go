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

// Package coordinator implements the Peer Coordinator: the engine's
// central state machine. It owns the authoritative per-peer cursors,
// runs the diffusion algorithm, serializes every transport callback
// through a single FIFO queue, and bridges the Ledger's change stream to
// whatever transports are attached.
//
// The serialization queue is grounded on the single-worker request
// distributor shape the teacher uses in les/distributor_test.go: one
// goroutine draining a channel of closures, on which every transport
// callback runs. Registry and cursor state is guarded by a mutex, since
// Stop and the per-peer catch-up goroutines also update it off the queue.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ionsync/engine/cursor"
	"github.com/ionsync/engine/internal/feed"
	"github.com/ionsync/engine/internal/xlog"
	"github.com/ionsync/engine/ledger"
	"github.com/ionsync/engine/record"
	"github.com/ionsync/engine/transport"
)

// Options configures a Coordinator. Zero-value fields are replaced with
// sane defaults by New.
type Options struct {
	// CatchUpBatchSize is how many change records are streamed per
	// "changes" message during initial catch-up (spec §4.1.2). Default
	// 10,000, matching the reference implementation's own choice.
	CatchUpBatchSize int

	// ApplyBatchSize bounds how many records are absorbed per Ledger
	// transaction on receive (spec §4.1.4). Default 2,000.
	ApplyBatchSize int

	// QueueDepth bounds the serialization queue's channel; a full queue
	// applies backpressure to transport callbacks. Default 256.
	QueueDepth int

	// Logger receives structured diagnostics. Defaults to xlog.Root().
	Logger xlog.Logger
}

func (o Options) withDefaults() Options {
	if o.CatchUpBatchSize <= 0 {
		o.CatchUpBatchSize = 10_000
	}
	if o.ApplyBatchSize <= 0 {
		o.ApplyBatchSize = 2_000
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 256
	}
	if o.Logger == nil {
		o.Logger = xlog.Root()
	}
	return o
}

var (
	// ErrNotStarted is returned by operations that require Start to have
	// run first.
	ErrNotStarted = errors.New("coordinator: not started")
	// ErrStopped is returned when a call races a concurrent Stop.
	ErrStopped = errors.New("coordinator: stopped")
)

// peerEntry is the coordinator-local registry entry for one remote peer
// (spec §3). It is mutated under Coordinator.mu, from queue tasks and
// from the peer's catch-up goroutine.
type peerEntry struct {
	id        string
	peerSite  string // == id, kept as its own field for readability at call sites
	cursor    cursor.Cursor
	active    bool
	transport transport.Transport
	pending   []record.Change

	// catchUpCancel/catchUpDone let a re-entrant on_sync cancel and await
	// the in-flight catch-up task before starting a fresh one (spec
	// §4.1.2, §5).
	catchUpCancel context.CancelFunc
	catchUpDone   chan struct{}
}

// Coordinator is the Peer Coordinator of spec §4.1.
type Coordinator struct {
	ledger ledger.Ledger
	opts   Options
	log    xlog.Logger

	mu            sync.Mutex
	started       bool
	localSite     record.SiteID
	schemaVersion uint64
	ownCursor     cursor.Cursor
	registry      map[string]*peerEntry
	transports    []transport.Transport

	queue   chan func()
	stopCh  chan struct{}
	queueWG sync.WaitGroup

	localChangeMu      sync.Mutex
	localChangePending bool

	changeFeed   feed.Feed[ChangeEvent]
	connectFeed  feed.Feed[ConnectEvent]
	syncFeed     feed.Feed[SyncEvent]
	eoseFeed     feed.Feed[EOSEEvent]
	outdatedFeed feed.Feed[OutdatedEvent]
}

// New creates a Coordinator over the given Ledger. Transports are
// attached with Attach before Start.
func New(l ledger.Ledger, opts Options) *Coordinator {
	return &Coordinator{
		ledger:   l,
		opts:     opts.withDefaults(),
		log:      opts.withDefaults().Logger.New("component", "coordinator"),
		registry: make(map[string]*peerEntry),
		stopCh:   make(chan struct{}),
	}
}

// Attach registers a transport to be started when Start runs. Calling
// Attach after Start has no effect on transports already started; it is
// intended to be called during setup only.
func (c *Coordinator) Attach(t transport.Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transports = append(c.transports, t)
}

// Start reads the local site id and schema version from the Ledger,
// initializes the local cursor, begins accepting transport callbacks,
// and registers for local-change notifications. Start is idempotent.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	site, err := c.ledger.LocalSiteID(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: read local site id: %w", err)
	}
	schema, err := c.ledger.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: read schema version: %w", err)
	}
	own, err := c.ledger.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: read own cursor: %w", err)
	}

	c.mu.Lock()
	c.localSite = site
	c.schemaVersion = schema
	c.ownCursor = own
	transports := append([]transport.Transport{}, c.transports...)
	c.mu.Unlock()

	c.queue = make(chan func(), c.opts.QueueDepth)
	c.queueWG.Add(1)
	go c.runQueue()

	c.ledger.NotifyLocalChange(func() {
		_ = c.CheckLocalChanges(context.Background())
	})

	for _, t := range transports {
		tt := t
		if err := tt.Start(c.callbacksFor(tt)); err != nil {
			return fmt.Errorf("coordinator: start transport: %w", err)
		}
	}
	return nil
}

// Stop clears the registry, asks every attached transport to stop, and
// drops local state. After Stop returns, Start may be called again to
// reuse the Coordinator, though a fresh instance is the usual pattern.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	transports := append([]transport.Transport{}, c.transports...)
	for _, p := range c.registry {
		if p.catchUpCancel != nil {
			p.catchUpCancel()
		}
	}
	c.registry = make(map[string]*peerEntry)
	c.mu.Unlock()

	var firstErr error
	for _, t := range transports {
		if err := t.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	close(c.stopCh)
	c.queueWG.Wait()
	c.stopCh = make(chan struct{})
	return firstErr
}

// runQueue is the goroutine every transport callback runs on. It drains
// closures one at a time, recovering from panics
// so a single misbehaving callback can't poison the queue (spec §4.1
// invariant 1).
func (c *Coordinator) runQueue() {
	defer c.queueWG.Done()
	for {
		select {
		case fn, ok := <-c.queue:
			if !ok {
				return
			}
			c.runTask(fn)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("callback panicked", "recovered", r)
		}
	}()
	fn()
}

// submit enqueues fn and blocks until it has run, the coordinator was
// stopped, or ctx was cancelled -- whichever comes first.
func (c *Coordinator) submit(ctx context.Context, fn func()) error {
	c.mu.Lock()
	q := c.queue
	c.mu.Unlock()
	if q == nil {
		return ErrNotStarted
	}

	done := make(chan struct{})
	task := func() {
		fn()
		close(done)
	}
	select {
	case q <- task:
	case <-c.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-c.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deferCall schedules fn on its own goroutine instead of running it
// inline. This is the reentrancy barrier of spec §4.1 invariant 2: any
// outbound transport call made from inside a running queue task is
// dispatched this way so the transport's own code path can never
// synchronously recurse back into the coordinator while a task is still
// executing.
func (c *Coordinator) deferCall(fn func()) {
	go fn()
}

// callbacksFor builds the Callbacks struct a single transport receives
// on Start, closing over t only to pass it through to event payloads
// (Callbacks never holds a pointer back to the Coordinator's internals
// beyond these closures, per spec §9).
func (c *Coordinator) callbacksFor(t transport.Transport) transport.Callbacks {
	return transport.Callbacks{
		OnConnect: func(_ transport.Transport, peerID string) {
			c.enqueueTask(func() { c.handleConnect(t, peerID) })
		},
		OnSync: func(_ transport.Transport, peerID string, peerCursor cursor.Cursor) {
			c.enqueueTask(func() { c.handleSync(t, peerID, peerCursor) })
		},
		OnReceive: func(_ transport.Transport, peerID string, msg transport.PeerMessage) {
			c.enqueueTask(func() { c.handleReceive(t, peerID, msg) })
		},
		OnReceiveSync: func(_ transport.Transport, peerID string, msg transport.PeerMessage) (cursor.Cursor, error) {
			return c.handleReceiveSync(t, peerID, msg)
		},
		OnDisconnect: func(_ transport.Transport, peerID string) {
			c.enqueueTask(func() { c.handleDisconnect(t, peerID) })
		},
	}
}

// enqueueTask is the fire-and-forget form used by transport callback
// trampolines: it never blocks the calling transport goroutine waiting
// for the task to run, only for it to be accepted onto the queue.
func (c *Coordinator) enqueueTask(fn func()) {
	c.mu.Lock()
	q := c.queue
	c.mu.Unlock()
	if q == nil {
		return
	}
	select {
	case q <- fn:
	case <-c.stopCh:
	}
}

// CheckLocalChanges inspects the Ledger for locally-authored records not
// yet covered by ownCursor and, if any are found, runs the local-change
// broadcast protocol (spec §4.1.3). Concurrent callers collapse onto a
// single queued scan; at most one instance is ever in flight.
func (c *Coordinator) CheckLocalChanges(ctx context.Context) error {
	c.localChangeMu.Lock()
	if c.localChangePending {
		c.localChangeMu.Unlock()
		return nil
	}
	c.localChangePending = true
	c.localChangeMu.Unlock()

	return c.submit(ctx, func() {
		c.localChangeMu.Lock()
		c.localChangePending = false
		c.localChangeMu.Unlock()
		c.broadcastLocalChanges(ctx)
	})
}
