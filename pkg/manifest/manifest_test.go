package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestScanHashesCurrentContent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "instructions.sh"), "echo hi\n")
	writeFile(t, filepath.Join(dir, "tools", "diag.sh"), "exit 0\n")

	roots := []Root{{Prefix: "scripts", Dir: dir}}
	m, err := Scan(context.Background(), roots)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if m.ProtocolVersion != ProtocolVersion {
		t.Fatalf("protocol version = %q", m.ProtocolVersion)
	}
	if len(m.Files) != 2 {
		t.Fatalf("expected 2 files, got %d: %#v", len(m.Files), m.Files)
	}

	sum := sha256.Sum256([]byte("echo hi\n"))
	entry, ok := m.Lookup("scripts/instructions.sh")
	if !ok {
		t.Fatalf("missing scripts/instructions.sh")
	}
	if entry.Hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("hash = %s", entry.Hash)
	}
	if entry.Size != 8 {
		t.Fatalf("size = %d", entry.Size)
	}
	if _, ok := m.Lookup("scripts/tools/diag.sh"); !ok {
		t.Fatalf("missing nested file")
	}

	writeFile(t, filepath.Join(dir, "instructions.sh"), "echo changed\n")
	again, err := Scan(context.Background(), roots)
	if err != nil {
		t.Fatalf("Scan again: %v", err)
	}
	if again.Files["scripts/instructions.sh"].Hash == entry.Hash {
		t.Fatalf("second scan returned stale hash")
	}
	if again.Version == m.Version {
		t.Fatalf("version token reused across scans")
	}
}

func TestScanMissingRootIsEmpty(t *testing.T) {
	m, err := Scan(context.Background(), []Root{{Prefix: "scripts", Dir: filepath.Join(t.TempDir(), "nope")}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(m.Files) != 0 {
		t.Fatalf("expected empty manifest, got %#v", m.Files)
	}
}

func TestParseRoots(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{name: "single", input: "scripts=./templates/scripts", want: 1},
		{name: "multiple trimmed", input: " scripts=/a , tools/=/b ", want: 2},
		{name: "missing dir", input: "scripts=", wantErr: true},
		{name: "no separator", input: "scripts", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRoots(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRoots() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if len(got) != tt.want {
				t.Fatalf("ParseRoots() = %v, want %d roots", got, tt.want)
			}
		})
	}
}

func TestResolveStaysInsideRoot(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "scripts")
	writeFile(t, filepath.Join(dir, "a.sh"), "a")
	writeFile(t, filepath.Join(base, "secret.txt"), "s")

	roots := []Root{{Prefix: "scripts", Dir: dir}}
	if got, ok := Resolve(roots, "scripts/a.sh"); !ok || got != filepath.Join(dir, "a.sh") {
		t.Fatalf("Resolve(scripts/a.sh) = %q, %v", got, ok)
	}
	for _, name := range []string{"scripts/../secret.txt", "../secret.txt", "scripts/", "scripts/missing.sh", "other/a.sh"} {
		if got, ok := Resolve(roots, name); ok {
			t.Fatalf("Resolve(%q) unexpectedly resolved to %q", name, got)
		}
	}
}
