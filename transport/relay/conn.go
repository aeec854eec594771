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

import "context"

// Filter selects which events a subscription receives: by author
// pubkey and, for the "r" tag, by stream id. Since is a unix-epoch
// lower bound.
type Filter struct {
	Kind    Kind
	Authors []string
	RTag    string
	Since   int64
	Until   int64
	Limit   int
}

// Conn is the minimal relay client surface this transport depends on:
// publish one event to every configured relay, or subscribe for a
// live+backlog stream of matching events. A real implementation wraps
// a websocket Nostr relay client; tests use an in-memory fake.
type Conn interface {
	// Publish sends e to every relay this Conn is configured with,
	// returning an error only if every relay rejected it within its
	// per-relay timeout (spec §4.4.4 step 5, §5 timeouts).
	Publish(ctx context.Context, e Event) error

	// Subscribe opens a live subscription matching filter; closing ctx
	// ends it. Events arrive in whatever order relays deliver them --
	// reordering is PeerRecv's job, not Conn's.
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, error)

	// Backlog fetches up to filter.Limit historical events
	// newest-first, for catch-up/backlog-fetch use (spec §4.4.3).
	Backlog(ctx context.Context, filter Filter) ([]Event, error)
}
