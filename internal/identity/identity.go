// Package identity manages the node's long-lived ed25519 key. The public
// key, hex encoded, is the node's PeerID.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var ErrBadKey = errors.New("invalid identity key")

// PeerID identifies a node by its ed25519 public key.
type PeerID [ed25519.PublicKeySize]byte

// String returns the lowercase hex form.
func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

// Short returns the first 10 hex characters, for logs.
func (p PeerID) Short() string { return hex.EncodeToString(p[:5]) }

// PublicKey returns p as an ed25519 key.
func (p PeerID) PublicKey() ed25519.PublicKey { return ed25519.PublicKey(p[:]) }

// ParsePeerID parses the String form.
func ParsePeerID(s string) (PeerID, error) {
	var p PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("parsing peer id: %w", err)
	}
	if len(b) != len(p) {
		return p, fmt.Errorf("peer id is %d bytes, want %d", len(b), len(p))
	}
	copy(p[:], b)
	return p, nil
}

// PeerIDFromKey derives the PeerID of pub.
func PeerIDFromKey(pub ed25519.PublicKey) (PeerID, error) {
	var p PeerID
	if len(pub) != ed25519.PublicKeySize {
		return p, fmt.Errorf("%w: public key is %d bytes", ErrBadKey, len(pub))
	}
	copy(p[:], pub)
	return p, nil
}

// Identity is a loaded key pair.
type Identity struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
	ID      PeerID
}

// Generate creates a fresh in-memory identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return fromKeys(priv, pub)
}

func fromKeys(priv ed25519.PrivateKey, pub ed25519.PublicKey) (*Identity, error) {
	id, err := PeerIDFromKey(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{Private: priv, Public: pub, ID: id}, nil
}

// DefaultDir returns ~/.verisync/keys.
func DefaultDir() (string, error) {
	h, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(h, ".verisync", "keys"), nil
}

// LoadOrCreate loads id_ed25519 and id_ed25519.pub from dir, generating
// and writing them when absent.
func LoadOrCreate(dir string) (*Identity, error) {
	if dir == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	privPath := filepath.Join(dir, "id_ed25519")
	pubPath := privPath + ".pub"

	priv, pub, err := load(privPath, pubPath)
	if err == nil {
		return fromKeys(priv, pub)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	ident, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(privPath, encodeKey(ident.Private), 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(pubPath, encodeKey(ident.Public), 0o644); err != nil {
		return nil, err
	}
	return ident, nil
}

func load(privPath, pubPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pbytes, err := os.ReadFile(privPath)
	if err != nil {
		return nil, nil, err
	}
	ubytes, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, nil, err
	}
	priv, err := decodeKey(pbytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: private key: %v", ErrBadKey, err)
	}
	pub, err := decodeKey(ubytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: public key: %v", ErrBadKey, err)
	}
	if len(priv) != ed25519.PrivateKeySize || len(pub) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("%w: bad key sizes", ErrBadKey)
	}
	if !bytes.Equal(ed25519.PrivateKey(priv).Public().(ed25519.PublicKey), pub) {
		return nil, nil, fmt.Errorf("%w: public key does not match private key", ErrBadKey)
	}
	return priv, pub, nil
}

func encodeKey(k []byte) []byte { return []byte(base64.StdEncoding.EncodeToString(k) + "\n") }

func decodeKey(b []byte) ([]byte, error) {
	return base64.StdEncoding.DecodeString(string(bytes.TrimSpace(b)))
}
