package filesvc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tskulbru/kvile/internal/errdef"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("GET https://example.com\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestRequestFiles(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "b.http"))
	touch(t, filepath.Join(root, "a.REST"))
	touch(t, filepath.Join(root, "notes.txt"))
	touch(t, filepath.Join(root, "nested", "c.http"))
	touch(t, filepath.Join(root, ".hidden", "d.http"))

	flat, err := RequestFiles(root, false)
	if err != nil {
		t.Fatalf("RequestFiles: %v", err)
	}
	if got := names(root, flat); got != "a.REST,b.http" {
		t.Fatalf("unexpected flat listing %q", got)
	}

	deep, err := RequestFiles(root, true)
	if err != nil {
		t.Fatalf("RequestFiles recursive: %v", err)
	}
	want := strings.Join([]string{"a.REST", "b.http", filepath.Join("nested", "c.http")}, ",")
	if got := names(root, deep); got != want {
		t.Fatalf("unexpected recursive listing %q, want %q", got, want)
	}
}

func TestRequestFilesSingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.txt")
	touch(t, path)
	files, err := RequestFiles(path, false)
	if err != nil || len(files) != 1 || files[0] != path {
		t.Fatalf("expected the file itself, got %v (%v)", files, err)
	}
}

func TestRequestFilesMissing(t *testing.T) {
	_, err := RequestFiles(filepath.Join(t.TempDir(), "nope"), false)
	if !errdef.Is(err, errdef.CodeFilesystem) {
		t.Fatalf("expected filesystem error, got %v", err)
	}
}

func names(root string, paths []string) string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, _ := filepath.Rel(root, p)
		out = append(out, rel)
	}
	return strings.Join(out, ",")
}
