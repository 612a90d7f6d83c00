package archive

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

func buildSnapshotDir(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nested", "b.txt"), []byte("beta"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("a.txt", filepath.Join(dir, "link")); err != nil {
		t.Fatal(err)
	}
	return dir
}

// readTarEntries decompresses the archive and returns all headers plus file
// contents keyed by entry name.
func readTarEntries(t *testing.T, archivePath string, format Format) (map[string]*tar.Header, map[string]string) {
	t.Helper()

	f, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("could not open archive: %v", err)
	}
	defer f.Close()

	var r io.Reader
	switch format {
	case Zstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			t.Fatalf("could not create zstd reader: %v", err)
		}
		defer zr.Close()
		r = zr
	default:
		gr, err := pgzip.NewReader(f)
		if err != nil {
			t.Fatalf("could not create gzip reader: %v", err)
		}
		defer gr.Close()
		r = gr
	}

	headers := make(map[string]*tar.Header)
	contents := make(map[string]string)
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("could not read tar entry: %v", err)
		}
		headers[header.Name] = header
		if header.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			if err != nil {
				t.Fatalf("could not read tar content for %q: %v", header.Name, err)
			}
			contents[header.Name] = string(data)
		}
	}
	return headers, contents
}

func TestCompressGzip(t *testing.T) {
	root := t.TempDir()
	dir := buildSnapshotDir(t, root, "backup-2024-03-15_04-30-00")

	a := New(Gzip, Default, 1234, 5678, 64, nil)
	archivePath, err := a.Compress(context.Background(), dir)
	if err != nil {
		t.Fatalf("Compress unexpected error: %v", err)
	}
	if archivePath != dir+".tar.gz" {
		t.Errorf("archive path = %q, want %q", archivePath, dir+".tar.gz")
	}

	// The uncompressed directory is removed on success.
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("snapshot directory should be removed after successful archiving")
	}

	headers, contents := readTarEntries(t, archivePath, Gzip)

	if contents["a.txt"] != "alpha" {
		t.Errorf("a.txt content = %q, want alpha", contents["a.txt"])
	}
	if contents["nested/b.txt"] != "beta" {
		t.Errorf("nested/b.txt content = %q, want beta", contents["nested/b.txt"])
	}

	link, ok := headers["link"]
	if !ok {
		t.Fatal("symlink entry missing from archive")
	}
	if link.Typeflag != tar.TypeSymlink || link.Linkname != "a.txt" {
		t.Errorf("symlink entry = (%c, %q), want (symlink, a.txt)", link.Typeflag, link.Linkname)
	}

	if _, ok := headers["nested/"]; !ok {
		t.Error("directory entry missing from archive")
	}

	// Every stored entry carries the configured owner, regardless of the
	// on-disk ownership.
	for name, header := range headers {
		if header.Uid != 1234 || header.Gid != 5678 {
			t.Errorf("entry %q owner = (%d, %d), want (1234, 5678)", name, header.Uid, header.Gid)
		}
		if header.Uname != "" || header.Gname != "" {
			t.Errorf("entry %q has symbolic owner names %q/%q", name, header.Uname, header.Gname)
		}
	}
}

func TestCompressZstd(t *testing.T) {
	root := t.TempDir()
	dir := buildSnapshotDir(t, root, "backup-2024-03-15_04-30-00")

	a := New(Zstd, Fastest, 0, 0, 64, nil)
	archivePath, err := a.Compress(context.Background(), dir)
	if err != nil {
		t.Fatalf("Compress unexpected error: %v", err)
	}
	if archivePath != dir+".tar.zst" {
		t.Errorf("archive path = %q, want %q", archivePath, dir+".tar.zst")
	}

	_, contents := readTarEntries(t, archivePath, Zstd)
	if contents["a.txt"] != "alpha" {
		t.Errorf("a.txt content = %q, want alpha", contents["a.txt"])
	}
}

func TestCompressFailureLeavesDirectory(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}

	root := t.TempDir()
	dir := buildSnapshotDir(t, root, "backup-2024-03-15_04-30-00")
	if err := os.Chmod(filepath.Join(dir, "a.txt"), 0000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(dir, "a.txt"), 0644) })

	a := New(Gzip, Default, 0, 0, 64, nil)
	if _, err := a.Compress(context.Background(), dir); err == nil {
		t.Fatal("Compress should fail on an unreadable file")
	}

	// The uncompressed directory survives as the valid backup.
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("snapshot directory should remain after failed archiving: %v", err)
	}

	// Neither the final archive nor temp leftovers may remain.
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(dir) {
			t.Errorf("unexpected leftover %q after failed archiving", e.Name())
		}
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{in: "gzip", want: Gzip},
		{in: "zstd", want: Zstd},
		{in: "zip", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseFormat(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseFormat(%q) = (%v, %v), want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if _, err := ParseLevel("best"); err != nil {
		t.Errorf("ParseLevel(best) unexpected error: %v", err)
	}
	if _, err := ParseLevel("turbo"); err == nil {
		t.Error("ParseLevel(turbo) expected error")
	}
}

func TestFormatExtension(t *testing.T) {
	if Gzip.Extension() != ".tar.gz" {
		t.Errorf("Gzip extension = %q", Gzip.Extension())
	}
	if Zstd.Extension() != ".tar.zst" {
		t.Errorf("Zstd extension = %q", Zstd.Extension())
	}
}
