// Package collection defines the ordered manifest that groups blobs into
// a collection. A manifest is itself stored and transferred as a blob.
package collection

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/quantarax/verisync/internal/codec"
	"github.com/quantarax/verisync/internal/hashtree"
)

// FormatVersion is written into every encoded manifest.
const FormatVersion = 1

var (
	ErrDuplicateName = errors.New("duplicate entry name")
	ErrBadName       = errors.New("invalid entry name")
	ErrBadManifest   = errors.New("malformed collection manifest")
)

// Entry names one blob of a collection.
type Entry struct {
	Name string        `cbor:"name"`
	Hash hashtree.Hash `cbor:"hash"`
	Size uint64        `cbor:"size"`
}

// Manifest is the ordered list of entries. Order is preserved exactly
// through Encode and Decode.
type Manifest struct {
	Entries []Entry
}

type encodedManifest struct {
	Version uint    `cbor:"v"`
	Entries []Entry `cbor:"entries"`
}

// Add appends an entry. Names must be unique within a manifest.
func (m *Manifest) Add(name string, hash hashtree.Hash, size uint64) error {
	if err := checkName(name); err != nil {
		return err
	}
	for _, e := range m.Entries {
		if e.Name == name {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
	}
	m.Entries = append(m.Entries, Entry{Name: name, Hash: hash, Size: size})
	return nil
}

// TotalSize sums the entry sizes.
func (m *Manifest) TotalSize() uint64 {
	var total uint64
	for _, e := range m.Entries {
		total += e.Size
	}
	return total
}

// Encode serializes the manifest deterministically.
func (m *Manifest) Encode() ([]byte, error) {
	entries := m.Entries
	if entries == nil {
		entries = []Entry{}
	}
	return codec.Marshal(encodedManifest{Version: FormatVersion, Entries: entries})
}

// Hash returns the content hash of the encoded manifest, which is the
// collection's identity.
func (m *Manifest) Hash() (hashtree.Hash, []byte, error) {
	data, err := m.Encode()
	if err != nil {
		return hashtree.Hash{}, nil, err
	}
	h, _ := hashtree.Build(data)
	return h, data, nil
}

// Decode parses an encoded manifest.
func Decode(data []byte) (*Manifest, error) {
	var enc encodedManifest
	if err := codec.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}
	if enc.Version != FormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadManifest, enc.Version)
	}
	seen := make(map[string]struct{}, len(enc.Entries))
	for _, e := range enc.Entries {
		if err := checkName(e.Name); err != nil {
			return nil, err
		}
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	return &Manifest{Entries: enc.Entries}, nil
}

// checkName accepts clean, relative, slash-separated paths that stay
// inside the collection.
func checkName(name string) error {
	switch {
	case name == "", path.IsAbs(name), strings.ContainsRune(name, '\\'):
		return fmt.Errorf("%w: %q", ErrBadName, name)
	case path.Clean(name) != name, name == ".", name == "..", strings.HasPrefix(name, "../"):
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return nil
}

// ImportFunc stores the file at path and returns its content hash and
// size.
type ImportFunc func(ctx context.Context, path string) (hashtree.Hash, uint64, error)

// FromDir imports every regular file below dir, in lexical walk order,
// and returns a manifest whose entry names are slash-separated paths
// relative to dir.
func FromDir(ctx context.Context, dir string, importFile ImportFunc) (*Manifest, error) {
	m := &Manifest{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hash, size, err := importFile(ctx, path)
		if err != nil {
			return fmt.Errorf("importing %s: %w", rel, err)
		}
		return m.Add(filepath.ToSlash(rel), hash, size)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
