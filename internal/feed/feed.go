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

// Package feed is a minimal reimplementation of the teacher's event.Feed
// / event.Subscription pub-sub primitive (its exported shape is visible
// in the pack's event/example_feed_test.go and
// event/example_subscription_test.go; the implementation itself isn't in
// the pack, so this is written fresh against that observed surface, using
// a generic type parameter in place of the teacher's reflect-based
// any-typed channel).
//
// A Feed[T] delivers values of type T to any number of subscriber
// channels. Send blocks until every current subscriber has received the
// value or unsubscribed, so a change/connect/sync/eose/outdated event is
// never silently dropped because a subscriber was momentarily slow.
package feed

import "sync"

// Feed delivers published values of type T to subscriber channels.
type Feed[T any] struct {
	mu   sync.Mutex
	subs map[*Subscription[T]]struct{}
}

// Subscription represents a feed subscription created by Feed.Subscribe.
type Subscription[T any] struct {
	feed    *Feed[T]
	channel chan T
	once    sync.Once
	done    chan struct{}
}

// Subscribe adds ch to the feed's subscriber set. Future calls to Send
// deliver their value on ch until the returned Subscription is cancelled
// with Unsubscribe.
func (f *Feed[T]) Subscribe(ch chan T) *Subscription[T] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[*Subscription[T]]struct{})
	}
	sub := &Subscription[T]{feed: f, channel: ch, done: make(chan struct{})}
	f.subs[sub] = struct{}{}
	return sub
}

// Send delivers value to every current subscriber, blocking until each
// has received it (or been unsubscribed concurrently). It returns the
// number of subscribers the value was delivered to.
func (f *Feed[T]) Send(value T) int {
	f.mu.Lock()
	targets := make([]*Subscription[T], 0, len(f.subs))
	for sub := range f.subs {
		targets = append(targets, sub)
	}
	f.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		select {
		case sub.channel <- value:
			delivered++
		case <-sub.done:
		}
	}
	return delivered
}

// Unsubscribe removes the subscription from its feed. It is safe to call
// more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		s.feed.mu.Unlock()
	})
}
