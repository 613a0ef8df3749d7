package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ProtocolVersion tags the manifest wire format served to agents.
const ProtocolVersion = "1"

// Entry describes a single distributable file.
type Entry struct {
	Path string `json:"-"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Manifest is an immutable inventory snapshot taken for one request.
type Manifest struct {
	Version         string           `json:"version"`
	ProtocolVersion string           `json:"protocol_version"`
	Files           map[string]Entry `json:"files"`
}

// Root maps a manifest path prefix onto a directory on disk.
type Root struct {
	Prefix string
	Dir    string
}

// ParseRoots parses a comma separated list of prefix=dir pairs.
func ParseRoots(raw string) ([]Root, error) {
	var roots []Root
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		prefix, dir, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("root %q must be prefix=dir", part)
		}
		prefix = strings.Trim(strings.TrimSpace(prefix), "/")
		dir = strings.TrimSpace(dir)
		if prefix == "" || dir == "" {
			return nil, fmt.Errorf("root %q must be prefix=dir", part)
		}
		roots = append(roots, Root{Prefix: prefix, Dir: dir})
	}
	if len(roots) == 0 {
		return nil, errors.New("no distributable roots configured")
	}
	return roots, nil
}

// Scan walks every root and hashes the files it finds. Files that cannot be
// read are left out of the result.
func Scan(ctx context.Context, roots []Root) (*Manifest, error) {
	m := &Manifest{
		Version:         uuid.NewString(),
		ProtocolVersion: ProtocolVersion,
		Files:           map[string]Entry{},
	}

	for _, root := range roots {
		info, err := os.Stat(root.Dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat root %q: %w", root.Dir, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("root %q is not a directory", root.Dir)
		}

		err = filepath.WalkDir(root.Dir, func(p string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if d != nil && d.IsDir() && p != root.Dir {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}

			rel, err := filepath.Rel(root.Dir, p)
			if err != nil {
				return nil
			}
			hash, size, err := HashFile(p)
			if err != nil {
				return nil
			}

			name := path.Join(root.Prefix, filepath.ToSlash(rel))
			m.Files[name] = Entry{Path: name, Hash: hash, Size: size}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Lookup returns the entry stored under name.
func (m *Manifest) Lookup(name string) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}
	entry, ok := m.Files[name]
	if ok {
		entry.Path = name
	}
	return entry, ok
}

// Resolve maps a manifest path onto the file backing it. The returned path
// never escapes the matching root.
func Resolve(roots []Root, name string) (string, bool) {
	clean := path.Clean("/" + name)[1:]
	if clean == "" {
		return "", false
	}
	for _, root := range roots {
		rest, ok := strings.CutPrefix(clean, root.Prefix+"/")
		if !ok || rest == "" {
			continue
		}
		full := filepath.Join(root.Dir, filepath.FromSlash(rest))
		info, err := os.Stat(full)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		return full, true
	}
	return "", false
}

// HashFile streams the file at p through SHA-256 and returns the hex digest
// with the number of bytes read.
func HashFile(p string) (string, int64, error) {
	file, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	h := sha256.New()
	size, err := io.Copy(h, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash %q: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// HashBytes returns the hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
