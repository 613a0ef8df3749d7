package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"rescued/pkg/manifest"
)

// Fetcher retrieves distributable files from a hub.
type Fetcher interface {
	Fetch(ctx context.Context, name string, w io.Writer) error
}

// SyncResult summarises one synchronisation pass.
type SyncResult struct {
	Updated  []string
	Rejected []string
	// Restart is set when the agent's own executable was replaced. The pass
	// stops at that point.
	Restart bool
}

// Syncer keeps the working directory in step with the hub's namespace.
type Syncer struct {
	workDir   string
	namespace string
	self      string
	fetcher   Fetcher
	logger    *log.Logger
}

// NewSyncer returns a Syncer writing into workDir. self is the path of the
// running executable.
func NewSyncer(workDir, namespace, self string, fetcher Fetcher, logger *log.Logger) *Syncer {
	if abs, err := filepath.Abs(self); err == nil && self != "" {
		self = abs
	}
	return &Syncer{
		workDir:   workDir,
		namespace: strings.Trim(namespace, "/"),
		self:      self,
		fetcher:   fetcher,
		logger:    logger,
	}
}

// LocalPath returns where the manifest entry name is stored locally.
func (s *Syncer) LocalPath(name string) string {
	return filepath.Join(s.workDir, path.Base(name))
}

// Sync brings every namespaced entry of m up to date. Fetch failures are
// collected and returned together once the pass has finished.
func (s *Syncer) Sync(ctx context.Context, m *manifest.Manifest) (SyncResult, error) {
	var result SyncResult
	if m == nil {
		return result, errors.New("nil manifest")
	}

	names := make([]string, 0, len(m.Files))
	for name := range m.Files {
		if strings.HasPrefix(name, s.namespace+"/") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		entry := m.Files[name]
		local := s.LocalPath(name)
		if hash, _, err := manifest.HashFile(local); err == nil && strings.EqualFold(hash, entry.Hash) {
			continue
		}

		ok, err := s.replace(ctx, name, local, entry.Hash)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			result.Rejected = append(result.Rejected, name)
			continue
		}
		result.Updated = append(result.Updated, name)
		s.logger.Printf("INFO synced %s", name)

		if s.isSelf(local) {
			result.Restart = true
			return result, nil
		}
	}
	return result, errors.Join(errs...)
}

// replace downloads name next to local and swaps it in when the digest
// matches want. It reports false when the download was rejected.
func (s *Syncer) replace(ctx context.Context, name, local, want string) (bool, error) {
	if err := os.MkdirAll(s.workDir, 0o755); err != nil {
		return false, fmt.Errorf("create work dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.workDir, "."+path.Base(name)+".tmp-*")
	if err != nil {
		return false, fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	discard := func() {
		tmp.Close()
		_ = os.Remove(tmpName)
	}

	h := sha256.New()
	if err := s.fetcher.Fetch(ctx, name, io.MultiWriter(tmp, h)); err != nil {
		discard()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return false, fmt.Errorf("close temp for %s: %w", name, err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		_ = os.Remove(tmpName)
		s.logger.Printf("WARN integrity check failed for %s: got %s, want %s", name, got, want)
		return false, nil
	}

	if err := os.Chmod(tmpName, 0o755); err != nil {
		_ = os.Remove(tmpName)
		return false, fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpName, local); err != nil {
		_ = os.Remove(tmpName)
		return false, fmt.Errorf("install %s: %w", name, err)
	}
	return true, nil
}

func (s *Syncer) isSelf(local string) bool {
	if s.self == "" {
		return false
	}
	abs, err := filepath.Abs(local)
	if err != nil {
		return false
	}
	return abs == s.self
}
