package util

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestWithUserWritePermission(t *testing.T) {
	tests := []struct {
		name string
		in   os.FileMode
		want os.FileMode
	}{
		{name: "read-only file", in: 0444, want: 0644},
		{name: "already writable", in: 0644, want: 0644},
		{name: "no permissions", in: 0000, want: 0200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WithUserWritePermission(tt.in); got != tt.want {
				t.Errorf("WithUserWritePermission(%o) = %o, want %o", tt.in, got, tt.want)
			}
		})
	}
}

func TestWithUserExecutePermission(t *testing.T) {
	if got := WithUserExecutePermission(0644); got != 0744 {
		t.Errorf("WithUserExecutePermission(0644) = %o, want 0744", got)
	}
	if got := WithUserExecutePermission(0755); got != 0755 {
		t.Errorf("WithUserExecutePermission(0755) = %o, want 0755", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory available: %v", err)
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "no tilde", in: "/var/backups", want: "/var/backups"},
		{name: "bare tilde", in: "~", want: home},
		{name: "tilde with path", in: "~/backups", want: filepath.Join(home, "backups")},
		{name: "relative path", in: "backups", want: "backups"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandPath(tt.in)
			if err != nil {
				t.Fatalf("ExpandPath(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ExpandPath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestInvertMap(t *testing.T) {
	in := map[string]int{"a": 1, "b": 2, "c": 3}
	got := InvertMap(in)

	if len(got) != 3 {
		t.Fatalf("InvertMap returned %d entries, want 3", len(got))
	}
	for k, v := range in {
		if got[v] != k {
			t.Errorf("InvertMap[%d] = %q, want %q", v, got[v], k)
		}
	}
}

func TestMergeAndDeduplicate(t *testing.T) {
	got := MergeAndDeduplicate(
		[]string{"*.log", "*.tmp"},
		[]string{"*.tmp", ".git"},
		nil,
	)
	sort.Strings(got)

	want := []string{"*.log", "*.tmp", ".git"}
	if len(got) != len(want) {
		t.Fatalf("MergeAndDeduplicate returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("MergeAndDeduplicate[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
