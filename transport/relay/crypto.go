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
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/chacha20poly1305"
)

// sharedSecret derives a symmetric key from an ECDH exchange between priv
// and pub, the same construction lnd's ecdh.go uses for onion payloads:
// scalar-multiply the public point by the private scalar, then hash the
// resulting point's compressed form.
func sharedSecret(priv *btcec.PrivateKey, pub *btcec.PublicKey) [32]byte {
	var pubJacobian, result btcec.JacobianPoint
	pub.AsJacobian(&pubJacobian)
	btcec.ScalarMultNonConst(&priv.Key, &pubJacobian, &result)
	result.ToAffine()
	sharedPub := btcec.NewPublicKey(&result.X, &result.Y)
	return sha256.Sum256(sharedPub.SerializeCompressed())
}

// sealTo encrypts plaintext for recipient using an ECDH key agreed
// between senderPriv and the recipient's public key, XChaCha20-Poly1305
// sealed. The nonce is prepended to the ciphertext.
func sealTo(senderPriv *btcec.PrivateKey, recipient *btcec.PublicKey, plaintext []byte) ([]byte, error) {
	key := sharedSecret(senderPriv, recipient)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("relay: build aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("relay: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// openFrom decrypts ciphertext authored by sender and addressed to us,
// using our own private key.
func openFrom(ourPriv *btcec.PrivateKey, sender *btcec.PublicKey, ciphertext []byte) ([]byte, error) {
	key := sharedSecret(ourPriv, sender)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("relay: build aead: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("relay: ciphertext too short")
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: decrypt: %w", err)
	}
	return plain, nil
}

// signEvent signs hash (the event id) with priv, DER-encoded.
func signEvent(priv *btcec.PrivateKey, hash []byte) []byte {
	sig := ecdsa.Sign(priv, hash)
	return sig.Serialize()
}

// verifyEvent checks a DER signature over hash against pub.
func verifyEvent(pub *btcec.PublicKey, hash, sig []byte) bool {
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(hash, pub)
}
