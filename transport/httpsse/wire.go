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

// Package httpsse implements the HTTP/SSE transport of spec §4.3: the
// client side issues POSTs for outbound cursor and data messages and
// consumes a single server-sent-event stream for everything inbound;
// the server side fans a single http.Handler out to one SSE client per
// remote peer id.
package httpsse

import (
	"encoding/json"
	"fmt"

	"github.com/ionsync/engine/cursor"
	"github.com/ionsync/engine/record"
	"github.com/ionsync/engine/transport"
)

type envelopeType string

const (
	envConnect envelopeType = "connect"
	envSync    envelopeType = "sync"
	envData    envelopeType = "data"
	envPing    envelopeType = "ping"
	envError   envelopeType = "error"
)

// wireMessage is the TransportMessage envelope of spec §6.
type wireMessage struct {
	Type   envelopeType  `json:"type"`
	PeerID string        `json:"peerId"`
	Cursor cursor.Cursor `json:"cursor,omitempty"`
	Data   *wirePeerMsg  `json:"data,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type wirePeerMsg struct {
	Type          transport.MessageType `json:"type"`
	Data          []record.WireChange   `json:"data"`
	SchemaVersion uint64                `json:"schema_version"`
}

func toWirePeerMsg(m transport.PeerMessage) wirePeerMsg {
	wire := make([]record.WireChange, 0, len(m.Data))
	for i := range m.Data {
		wire = append(wire, m.Data[i].ToWire())
	}
	return wirePeerMsg{Type: m.Type, Data: wire, SchemaVersion: m.SchemaVersion}
}

func fromWirePeerMsg(w wirePeerMsg) (transport.PeerMessage, error) {
	changes := make([]record.Change, 0, len(w.Data))
	for _, wc := range w.Data {
		c, err := record.FromWire(wc)
		if err != nil {
			return transport.PeerMessage{}, err
		}
		changes = append(changes, c)
	}
	return transport.PeerMessage{Type: w.Type, Data: changes, SchemaVersion: w.SchemaVersion}, nil
}

func encodeEnvelope(env wireMessage) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("httpsse: encode envelope: %w", err)
	}
	return b, nil
}

func decodeEnvelope(b []byte) (wireMessage, error) {
	var env wireMessage
	if err := json.Unmarshal(b, &env); err != nil {
		return wireMessage{}, fmt.Errorf("httpsse: decode envelope: %w", err)
	}
	return env, nil
}
