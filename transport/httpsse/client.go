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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ionsync/engine/cursor"
	"github.com/ionsync/engine/internal/xlog"
	"github.com/ionsync/engine/transport"
)

// serverPeerID is the fixed synthetic peer identifier the client side
// reports to the coordinator for the single remote server it talks to
// (spec §4.3).
const serverPeerID = "server"

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Client is the client-side half of the HTTP/SSE transport: it POSTs
// outbound sync/data messages and consumes a single SSE stream for
// everything inbound, reconnecting with exponential backoff on any
// stream error or close.
type Client struct {
	baseURL     string
	localPeerID string
	httpClient  *http.Client
	log         xlog.Logger

	mu      sync.Mutex
	cb      transport.Callbacks
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	connMu    sync.Mutex
	connected bool
}

// NewClient builds a Client that streams from baseURL (e.g.
// "http://host:port") identifying itself as localPeerID.
func NewClient(baseURL, localPeerID string) *Client {
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		localPeerID: localPeerID,
		httpClient:  &http.Client{},
		log:         xlog.New("transport", "httpsse-client", "self", localPeerID),
	}
}

// Start wires cb and launches the background reconnect loop.
func (c *Client) Start(cb transport.Callbacks) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.cb = cb
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runLoop(ctx)
	return nil
}

// Stop cancels the reconnect loop and waits for it to exit.
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	return nil
}

// runLoop is the single goroutine that owns the SSE stream lifecycle:
// connect, read events one at a time (so delivery is strictly
// serialized, per spec §4.3), and on any failure back off and retry.
func (c *Client) runLoop(ctx context.Context) {
	defer c.wg.Done()
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.streamOnce(ctx, &backoff)
		c.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("stream ended, reconnecting", "err", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	was := c.connected
	c.connected = v
	c.connMu.Unlock()
	if was && !v {
		c.mu.Lock()
		cb := c.cb
		c.mu.Unlock()
		if cb.OnDisconnect != nil {
			cb.OnDisconnect(c, serverPeerID)
		}
	}
}

// streamOnce opens one SSE connection and processes events from it
// until the stream ends or ctx is cancelled, resetting the backoff
// counter as soon as the connection is established.
func (c *Client) streamOnce(ctx context.Context, backoff *time.Duration) error {
	url := fmt.Sprintf("%s/stream?peerId=%s", c.baseURL, c.localPeerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("httpsse: unexpected status %d", resp.StatusCode)
	}

	c.setConnected(true)
	*backoff = minBackoff
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb.OnConnect != nil {
		cb.OnConnect(c, serverPeerID)
	}

	reader := bufio.NewReader(resp.Body)
	var dataLines [][]byte
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := bytes.TrimRight(line, "\r\n")
			switch {
			case len(trimmed) == 0:
				if len(dataLines) > 0 {
					c.dispatch(bytes.Join(dataLines, nil))
					dataLines = dataLines[:0]
				}
			case bytes.HasPrefix(trimmed, []byte("data:")):
				dataLines = append(dataLines, bytes.TrimPrefix(trimmed, []byte("data: ")))
			}
		}
		if err != nil {
			return err
		}
	}
}

// dispatch decodes and applies one SSE frame. It runs entirely on the
// stream-reading goroutine, so message N+1 is never processed before N
// has fully returned (spec §4.3's single-threaded delivery guarantee).
func (c *Client) dispatch(payload []byte) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		c.log.Warn("malformed envelope from stream", "err", err)
		return
	}
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()

	switch env.Type {
	case envConnect:
		// already surfaced when the stream opened successfully
	case envPing:
		// keepalive, nothing to do
	case envSync:
		if cb.OnSync != nil {
			cb.OnSync(c, serverPeerID, env.Cursor)
		}
	case envData:
		if env.Data == nil {
			return
		}
		msg, err := fromWirePeerMsg(*env.Data)
		if err != nil {
			c.log.Warn("malformed peer message on stream", "err", err)
			return
		}
		if cb.OnReceive != nil {
			cb.OnReceive(c, serverPeerID, msg)
		}
	case envError:
		c.log.Warn("server reported error", "error", env.Error)
	}
}

// Sync POSTs our cursor to the server.
func (c *Client) Sync(peerID string, cur cursor.Cursor) error {
	if peerID != serverPeerID {
		return fmt.Errorf("httpsse: unknown peer %q", peerID)
	}
	body, err := json.Marshal(struct {
		PeerID string        `json:"peerId"`
		Cursor cursor.Cursor `json:"cursor"`
	}{c.localPeerID, cur.Clone()})
	if err != nil {
		return err
	}
	return c.post("/sync", body)
}

// Send POSTs msg to the server.
func (c *Client) Send(peerID string, msg transport.PeerMessage) error {
	if peerID != serverPeerID {
		return fmt.Errorf("httpsse: unknown peer %q", peerID)
	}
	body, err := json.Marshal(struct {
		PeerID string      `json:"peerId"`
		Data   wirePeerMsg `json:"data"`
	}{c.localPeerID, toWirePeerMsg(msg)})
	if err != nil {
		return err
	}
	return c.post("/data", body)
}

func (c *Client) post(path string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		c.log.Warn("failed to build request", "path", path, "err", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures never surface to the coordinator (spec
		// §4.5): the cursor protocol will catch up the remote later.
		c.log.Warn("post failed, will be retried via cursor protocol", "path", path, "err", err)
		return nil
	}
	resp.Body.Close()
	return nil
}

// WaitCanSend never blocks: HTTP POST latency is its own backpressure.
func (c *Client) WaitCanSend(ctx context.Context, peerID string) error {
	return nil
}

var _ transport.Transport = (*Client)(nil)
