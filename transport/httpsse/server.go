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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ionsync/engine/cursor"
	"github.com/ionsync/engine/internal/xlog"
	"github.com/ionsync/engine/transport"
)

const serverClientQueueDepth = 256

// Server is the server-side half of the HTTP/SSE transport (spec §4.3):
// one http.Handler fanned out to one SSE client per remote peer id.
// Origin checking on the stream endpoint is grounded on the teacher's
// wsHandshakeValidator (client/rpc/websocket.go).
type Server struct {
	log            xlog.Logger
	allowedOrigins mapset.Set[string]
	allowAllOrigin bool

	mu      sync.Mutex
	cb      transport.Callbacks
	started bool
	clients map[string]*sseClient
}

type sseClient struct {
	ch     chan wireMessage
	closed chan struct{}
}

// NewServer builds a Server. allowedOrigins mirrors the teacher's
// WebsocketHandler convention: "*" allows any origin, an empty list
// falls back to localhost.
func NewServer(allowedOrigins []string) *Server {
	origins := mapset.NewSet[string]()
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		if o != "" {
			origins.Add(o)
		}
	}
	if origins.Cardinality() == 0 {
		origins.Add("http://localhost")
		if hostname, err := os.Hostname(); err == nil {
			origins.Add("http://" + hostname)
		}
	}
	return &Server{
		log:            xlog.New("transport", "httpsse-server"),
		allowedOrigins: origins,
		allowAllOrigin: allowAll,
		clients:        make(map[string]*sseClient),
	}
}

// Start wires cb. The server accepts sessions lazily, as stream
// connections arrive, so there's nothing else to do here.
func (s *Server) Start(cb transport.Callbacks) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
	s.started = true
	return nil
}

// Stop closes every live SSE stream, firing OnDisconnect for each.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.started = false
	clients := s.clients
	s.clients = make(map[string]*sseClient)
	cb := s.cb
	s.mu.Unlock()

	for peerID, c := range clients {
		close(c.closed)
		if cb.OnDisconnect != nil {
			cb.OnDisconnect(s, peerID)
		}
	}
	return nil
}

// Handler returns the http.Handler to mount at the transport's base
// path; register it at "/sync", "/data", and "/stream" respectively, or
// pass it directly to a ServeMux with those suffixes stripped by the
// caller's routing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/data", s.handleData)
	return mux
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin, ok := r.Header["Origin"]
	if !ok || len(origin) == 0 {
		return true
	}
	if s.allowAllOrigin {
		return true
	}
	return s.allowedOrigins.Contains(strings.ToLower(origin[0]))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.originAllowed(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	peerID := r.URL.Query().Get("peerId")
	if peerID == "" {
		http.Error(w, "missing peerId", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	client := &sseClient{ch: make(chan wireMessage, serverClientQueueDepth), closed: make(chan struct{})}
	s.mu.Lock()
	if old, exists := s.clients[peerID]; exists {
		close(old.closed)
	}
	s.clients[peerID] = client
	cb := s.cb
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if cb.OnConnect != nil {
		cb.OnConnect(s, peerID)
	}

	for {
		select {
		case env := <-client.ch:
			b, err := encodeEnvelope(env)
			if err != nil {
				s.log.Warn("failed to encode outbound envelope", "peer", peerID, "err", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-client.closed:
			return
		case <-r.Context().Done():
			s.removeClient(peerID, client)
			return
		}
	}
}

func (s *Server) removeClient(peerID string, client *sseClient) {
	s.mu.Lock()
	cur, ok := s.clients[peerID]
	if ok && cur == client {
		delete(s.clients, peerID)
	}
	cb := s.cb
	s.mu.Unlock()
	if ok && cb.OnDisconnect != nil {
		cb.OnDisconnect(s, peerID)
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PeerID string        `json:"peerId"`
		Cursor cursor.Cursor `json:"cursor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb.OnSync != nil {
		cb.OnSync(s, body.PeerID, body.Cursor)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PeerID string      `json:"peerId"`
		Data   wirePeerMsg `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	msg, err := fromWirePeerMsg(body.Data)
	if err != nil {
		http.Error(w, "malformed change record", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb.OnReceive != nil {
		cb.OnReceive(s, body.PeerID, msg)
	}
	w.WriteHeader(http.StatusAccepted)
}

// Sync pushes our cursor to peerID over its SSE stream.
func (s *Server) Sync(peerID string, c cursor.Cursor) error {
	return s.enqueue(peerID, wireMessage{Type: envSync, PeerID: peerID, Cursor: c.Clone()})
}

// Send pushes msg to peerID over its SSE stream.
func (s *Server) Send(peerID string, msg transport.PeerMessage) error {
	wire := toWirePeerMsg(msg)
	return s.enqueue(peerID, wireMessage{Type: envData, PeerID: peerID, Data: &wire})
}

func (s *Server) enqueue(peerID string, env wireMessage) error {
	s.mu.Lock()
	client, ok := s.clients[peerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("httpsse: no live stream for peer %q", peerID)
	}
	select {
	case client.ch <- env:
		return nil
	case <-client.closed:
		return fmt.Errorf("httpsse: stream closed for peer %q", peerID)
	default:
		s.log.Warn("dropping message, client queue full", "peer", peerID)
		return fmt.Errorf("httpsse: client queue full for peer %q", peerID)
	}
}

// WaitCanSend never blocks: the server's per-client queue sheds load by
// dropping (with a warning) instead, since the client-side reconnect
// protocol will resync the cursor anyway.
func (s *Server) WaitCanSend(_ context.Context, peerID string) error {
	return nil
}

var _ transport.Transport = (*Server)(nil)
