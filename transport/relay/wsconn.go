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

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ionsync/engine/internal/xlog"
)

const (
	wsPublishTimeout = 10 * time.Second
	wsReadBufferSize = 1024
	wsWriteBufSize   = 1024
)

// WSConn is the real Conn implementation: it fans a Publish out to every
// configured Nostr-style relay URL in parallel, each bounded by its own
// timeout, and merges Subscribe/Backlog traffic from all of them.
type WSConn struct {
	urls   []string
	dialer *websocket.Dialer
	log    xlog.Logger
}

// NewWSConn builds a Conn backed by the given relay websocket URLs
// (e.g. "wss://relay.example.com").
func NewWSConn(urls []string, log xlog.Logger) *WSConn {
	if log == nil {
		log = xlog.New("transport", "relay-ws")
	}
	return &WSConn{
		urls: urls,
		dialer: &websocket.Dialer{
			ReadBufferSize:  wsReadBufferSize,
			WriteBufferSize: wsWriteBufSize,
		},
		log: log,
	}
}

// nostrMsg is the ["EVENT", event] / ["REQ", subID, filter] / ["CLOSE",
// subID] envelope shape every relay on the wire speaks.
type nostrMsg []json.RawMessage

func raw(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// Publish sends e to every relay in parallel. It reports failure only if
// the event could not be written to any relay within its timeout (spec
// §4.4.4 step 5); as long as one relay took the write, failures on the
// others are logged and otherwise tolerated. It does not wait for a
// relay's acknowledgement of the event.
func (c *WSConn) Publish(ctx context.Context, e Event) error {
	if len(c.urls) == 0 {
		return fmt.Errorf("relay: no relay urls configured")
	}

	var g errgroup.Group
	var mu sync.Mutex
	var successes int
	var lastErr error

	for _, u := range c.urls {
		u := u
		g.Go(func() error {
			pubCtx, cancel := context.WithTimeout(ctx, wsPublishTimeout)
			defer cancel()
			err := c.publishOne(pubCtx, u, e)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				c.log.Warn("relay: publish failed on relay", "url", u, "err", err)
				return nil
			}
			successes++
			return nil
		})
	}
	_ = g.Wait()

	if successes == 0 {
		return fmt.Errorf("relay: publish failed on all %d relays: %w", len(c.urls), lastErr)
	}
	return nil
}

func (c *WSConn) publishOne(ctx context.Context, url string, e Event) error {
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	msg := nostrMsg{raw("EVENT"), raw(e)}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write to %s: %w", url, err)
	}
	return nil
}

// Subscribe opens a live subscription against every configured relay and
// merges their events onto a single channel. Reordering and dedup happen
// downstream in PeerRecv, not here.
func (c *WSConn) Subscribe(ctx context.Context, filter Filter) (<-chan Event, error) {
	out := make(chan Event, 16)
	var wg sync.WaitGroup
	for _, u := range c.urls {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.streamOne(ctx, u, filter, out)
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (c *WSConn) streamOne(ctx context.Context, url string, filter Filter, out chan<- Event) {
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.log.Warn("relay: subscribe dial failed", "url", url, "err", err)
		return
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	subID := "sub"
	req := nostrMsg{raw("REQ"), raw(subID), raw(filter)}
	if err := conn.WriteJSON(req); err != nil {
		c.log.Warn("relay: subscribe request failed", "url", url, "err", err)
		return
	}

	for {
		var frame nostrMsg
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				c.log.Warn("relay: subscription stream ended", "url", url, "err", err)
			}
			return
		}
		if len(frame) < 3 {
			continue
		}
		var label string
		if err := json.Unmarshal(frame[0], &label); err != nil || label != "EVENT" {
			continue
		}
		var ev Event
		if err := json.Unmarshal(frame[2], &ev); err != nil {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Backlog fetches up to filter.Limit historical events from every relay
// and merges them, newest-first, capping the merged result at the
// requested limit.
func (c *WSConn) Backlog(ctx context.Context, filter Filter) ([]Event, error) {
	var mu sync.Mutex
	var merged []Event

	var wg sync.WaitGroup
	for _, u := range c.urls {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			events, err := c.backlogOne(ctx, u, filter)
			if err != nil {
				c.log.Warn("relay: backlog fetch failed", "url", u, "err", err)
				return
			}
			mu.Lock()
			merged = append(merged, events...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sortEventsNewestFirst(merged)
	if filter.Limit > 0 && len(merged) > filter.Limit {
		merged = merged[:filter.Limit]
	}
	return merged, nil
}

func (c *WSConn) backlogOne(ctx context.Context, url string, filter Filter) ([]Event, error) {
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	subID := "backlog"
	req := nostrMsg{raw("REQ"), raw(subID), raw(filter)}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("request to %s: %w", url, err)
	}

	var events []Event
	for {
		var frame nostrMsg
		if err := conn.ReadJSON(&frame); err != nil {
			return events, nil
		}
		if len(frame) == 0 {
			continue
		}
		var label string
		if err := json.Unmarshal(frame[0], &label); err != nil {
			continue
		}
		switch label {
		case "EVENT":
			if len(frame) < 3 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(frame[2], &ev); err == nil {
				events = append(events, ev)
			}
		case "EOSE":
			return events, nil
		}
	}
}

func sortEventsNewestFirst(events []Event) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].CreatedAt > events[j-1].CreatedAt; j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

var _ Conn = (*WSConn)(nil)
