package qkdsim

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// deriveKey expands the node seed into the key block for one fetch. The
// fetch counter is part of the derivation info, so successive fetches
// yield distinct material while two nodes sharing a seed stay in
// agreement fetch for fetch.
func (n *Node) deriveKey(handle string, fetch int) []byte {
	info := fmt.Sprintf("key/%s/%d", handle, fetch)
	kdf := hkdf.New(sha256.New, n.cfg.Seed, nil, []byte(info))

	key := make([]byte, n.cfg.KeyBytes)
	if _, err := io.ReadFull(kdf, key); err != nil {
		// hkdf only fails past ~8KB of output; KeyBytes never gets there.
		panic(err)
	}
	return key
}

// deriveKeyPair produces the deterministic per-handle session keypair
// used by the key-loading modes. Sender and receiver derive the same
// pair from the shared seed and serve opposite halves of it.
func (n *Node) deriveKeyPair(handle string) (ed25519.PrivateKey, error) {
	kdf := hkdf.New(sha256.New, n.cfg.Seed, nil, []byte("keypair/"+handle))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// sessionKeyPEM renders the session keypair half this node serves.
func (n *Node) sessionKeyPEM(handle string) (string, error) {
	key, err := n.deriveKeyPair(handle)
	if err != nil {
		return "", err
	}

	if n.cfg.Mode == KeyModePrivatePEM {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return "", err
		}
		return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
	}

	der, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
