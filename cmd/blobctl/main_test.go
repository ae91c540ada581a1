package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// run executes blobctl with a fresh store under dir.
func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--store", filepath.Join(dir, "store")}, args...))
	if err := cmd.Execute(); err != nil {
		t.Fatalf("blobctl %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestImportExportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "input.bin")
	data := bytes.Repeat([]byte{1, 2, 3, 4, 5}, 3000)
	if err := os.WriteFile(src, data, 0o644); err != nil {
		t.Fatal(err)
	}

	hashOut := run(t, dir, "hash", src)
	hash := strings.Fields(hashOut)[0]

	importOut := run(t, dir, "import", "-q", src)
	if !strings.HasPrefix(importOut, hash) {
		t.Fatalf("import printed %q, hash printed %q", importOut, hash)
	}

	list := run(t, dir, "list")
	if !strings.Contains(list, hash) || !strings.Contains(list, "complete") {
		t.Fatalf("list = %q", list)
	}

	dst := filepath.Join(dir, "out.bin")
	run(t, dir, "export", hash, dst)
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("exported bytes differ")
	}

	if out := run(t, dir, "validate"); !strings.Contains(out, "1 blobs checked, 0 bad") {
		t.Fatalf("validate = %q", out)
	}
}

func TestCollectionCreateAndShow(t *testing.T) {
	dir := t.TempDir()
	tree := filepath.Join(dir, "tree")
	for name, body := range map[string]string{"a.txt": "alpha", "sub/b.txt": "bravo"} {
		path := filepath.Join(tree, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	out := run(t, dir, "collection", "create", "--pin", tree)
	if !strings.Contains(out, "2 entries") {
		t.Fatalf("create = %q", out)
	}
	manifest := strings.Fields(out)[0]

	show := run(t, dir, "collection", "show", manifest)
	if !strings.Contains(show, "a.txt") || !strings.Contains(show, "sub/b.txt") {
		t.Fatalf("show = %q", show)
	}

	// Everything is pinned, so nothing is collected.
	if gc := run(t, dir, "gc", "--grace", "0s"); strings.Contains(gc, "removed") {
		t.Fatalf("gc = %q", gc)
	}
}
