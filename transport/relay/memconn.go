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
	"sync"
)

// MemRelay is an in-memory fake of a pubsub relay broker, standing in
// for a real Nostr-style relay connection in tests: every published
// Event is appended to an in-order log and fanned out to live
// subscribers matching its filter.
type MemRelay struct {
	mu   sync.Mutex
	log  []Event
	subs []*memSub
}

// NewMemRelay builds an empty MemRelay.
func NewMemRelay() *MemRelay {
	return &MemRelay{}
}

type memSub struct {
	filter Filter
	ch     chan Event
}

// Conn returns a Conn bound to this relay.
func (r *MemRelay) Conn() Conn {
	return &memConn{relay: r}
}

func matches(f Filter, e Event) bool {
	if f.Kind != e.Kind {
		return false
	}
	if len(f.Authors) > 0 {
		found := false
		for _, a := range f.Authors {
			if a == e.PubKey {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RTag != "" && e.Tag("r") != f.RTag {
		return false
	}
	if f.Since != 0 && e.CreatedAt < f.Since {
		return false
	}
	if f.Until != 0 && e.CreatedAt > f.Until {
		return false
	}
	return true
}

func (r *MemRelay) publish(e Event) {
	r.mu.Lock()
	r.log = append(r.log, e)
	var targets []*memSub
	for _, s := range r.subs {
		if matches(s.filter, e) {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (r *MemRelay) backlog(f Filter) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for i := len(r.log) - 1; i >= 0 && (f.Limit == 0 || len(out) < f.Limit); i-- {
		if matches(f, r.log[i]) {
			out = append(out, r.log[i])
		}
	}
	return out
}

func (r *MemRelay) subscribe(f Filter) *memSub {
	s := &memSub{filter: f, ch: make(chan Event, 256)}
	r.mu.Lock()
	r.subs = append(r.subs, s)
	r.mu.Unlock()
	return s
}

func (r *MemRelay) unsubscribe(s *memSub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sub := range r.subs {
		if sub == s {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

type memConn struct {
	relay *MemRelay
}

func (c *memConn) Publish(_ context.Context, e Event) error {
	c.relay.publish(e)
	return nil
}

func (c *memConn) Subscribe(ctx context.Context, filter Filter) (<-chan Event, error) {
	sub := c.relay.subscribe(filter)
	out := make(chan Event, 256)
	go func() {
		defer close(out)
		defer c.relay.unsubscribe(sub)
		for {
			select {
			case e := <-sub.ch:
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *memConn) Backlog(_ context.Context, filter Filter) ([]Event, error) {
	return c.relay.backlog(filter), nil
}

var _ Conn = (*memConn)(nil)
