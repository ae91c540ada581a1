package identity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreate_Persists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	first, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	second, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("Expected same peer id, got %s and %s", first.ID, second.ID)
	}

	info, err := os.Stat(filepath.Join(dir, "id_ed25519"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected private key mode 0600, got %o", info.Mode().Perm())
	}
}

func TestLoadOrCreate_MismatchedPair(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadOrCreate(dir); err != nil {
		t.Fatal(err)
	}
	other, _ := Generate()
	if err := os.WriteFile(filepath.Join(dir, "id_ed25519.pub"), encodeKey(other.Public), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreate(dir); !errors.Is(err, ErrBadKey) {
		t.Fatalf("Expected ErrBadKey, got %v", err)
	}
}

func TestParsePeerID(t *testing.T) {
	ident, _ := Generate()
	parsed, err := ParsePeerID(ident.ID.String())
	if err != nil || parsed != ident.ID {
		t.Fatalf("ParsePeerID round trip failed: %v", err)
	}
	if _, err := ParsePeerID("00ff"); err == nil {
		t.Fatal("Expected error for short peer id")
	}
}
