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

// Package relay implements the relay transport (spec §4.4): a
// pubsub-relay "virtual peer" carrying encrypted, signed CURSOR and
// CHANGES events between two sites, each directed pair maintaining an
// independent causally-chained event stream.
package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Kind distinguishes the two relay event kinds of spec §4.4.1.
type Kind int

const (
	KindCursor Kind = iota
	KindChanges
)

// Event is one signed, encrypted message on a relay: the minimal subset
// of a Nostr-style event this transport needs (id, author, kind,
// tags, encrypted content, signature).
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      Kind       `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"` // hex-encoded ciphertext
	Sig       string     `json:"sig"`
}

// Tag returns the first value of the first tag named key, or "" if
// absent.
func (e Event) Tag(key string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == key {
			return t[1]
		}
	}
	return ""
}

// computeID hashes the event's signable fields, mirroring the
// canonical-serialization-then-hash pattern Nostr-style relays use for
// event ids.
func computeID(pubkey string, createdAt int64, kind Kind, tags [][]string, content string) string {
	canon := struct {
		PubKey    string     `json:"pubkey"`
		CreatedAt int64      `json:"created_at"`
		Kind      Kind       `json:"kind"`
		Tags      [][]string `json:"tags"`
		Content   string     `json:"content"`
	}{pubkey, createdAt, kind, tags, content}
	b, _ := json.Marshal(canon)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// buildEvent assembles, hashes, and signs a new event authored by priv.
func buildEvent(priv *btcec.PrivateKey, createdAt int64, kind Kind, tags [][]string, plaintextContent []byte, recipient *btcec.PublicKey) (Event, error) {
	ciphertext, err := sealTo(priv, recipient, plaintextContent)
	if err != nil {
		return Event{}, err
	}
	pubHex := hex.EncodeToString(priv.PubKey().SerializeCompressed())
	content := hex.EncodeToString(ciphertext)
	id := computeID(pubHex, createdAt, kind, tags, content)
	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return Event{}, fmt.Errorf("relay: decode event id: %w", err)
	}
	sig := signEvent(priv, idBytes)
	return Event{
		ID:        id,
		PubKey:    pubHex,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
		Sig:       hex.EncodeToString(sig),
	}, nil
}

// decryptContent decodes and opens an event's hex-encoded content,
// verifying nothing beyond what openFrom itself checks (AEAD tag).
func decryptContent(ourPriv *btcec.PrivateKey, author *btcec.PublicKey, e Event) ([]byte, error) {
	ciphertext, err := hex.DecodeString(e.Content)
	if err != nil {
		return nil, fmt.Errorf("relay: bad content hex: %w", err)
	}
	return openFrom(ourPriv, author, ciphertext)
}

// verify checks e's signature against its claimed author.
func verify(e Event) bool {
	pubBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return false
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return false
	}
	return verifyEvent(pub, idBytes, sigBytes)
}
