package evidence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// BootstrapMarker starts the first status line an agent sends after it
// launches. Seeing it resets that address's audit log.
const BootstrapMarker = "[BOOTSTRAP] START"

// TimestampLayout prefixes every evidence filename. Fixed width, so
// lexical order equals chronological order.
const TimestampLayout = "20060102_150405.000000"

// Record describes one persisted submission.
type Record struct {
	Address  string    `json:"address"`
	Kind     Kind      `json:"kind"`
	Filename string    `json:"filename"`
	Path     string    `json:"path"`
	Size     int       `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

// AuditResult reports what AppendAudit did to the log.
type AuditResult struct {
	Path      string
	Line      string
	Truncated bool
}

// Store persists evidence files and audit lines partitioned by address.
type Store struct {
	evidenceRoot string
	auditRoot    string
	now          func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewStore creates the root directories and returns a Store.
func NewStore(evidenceRoot, auditRoot string) (*Store, error) {
	if strings.TrimSpace(evidenceRoot) == "" {
		return nil, errors.New("evidence root is required")
	}
	if strings.TrimSpace(auditRoot) == "" {
		return nil, errors.New("audit root is required")
	}
	for _, dir := range []string{evidenceRoot, auditRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{
		evidenceRoot: evidenceRoot,
		auditRoot:    auditRoot,
		now:          time.Now,
	}, nil
}

// EvidenceDir returns the directory holding evidence for addr.
func (s *Store) EvidenceDir(addr string) string {
	return filepath.Join(s.evidenceRoot, dirName(NormalizeAddr(addr)))
}

// AuditPath returns the audit log file for addr.
func (s *Store) AuditPath(addr string) string {
	return filepath.Join(s.auditRoot, dirName(NormalizeAddr(addr)), "audit.log")
}

// Save writes one submission into the sender's evidence directory. Existing
// files are never overwritten.
func (s *Store) Save(addr string, sub Submission) (Record, error) {
	addr = NormalizeAddr(addr)
	dir := s.EvidenceDir(addr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Record{}, fmt.Errorf("create evidence dir: %w", err)
	}

	name := sub.Filename
	if name == "" {
		name = defaultUploadName
	}

	for attempt := 0; attempt < 5; attempt++ {
		at := s.stamp()
		filename := at.Format(TimestampLayout) + "_" + name
		full := filepath.Join(dir, filename)

		f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return Record{}, fmt.Errorf("create %s: %w", filename, err)
		}
		if _, err := f.Write(sub.Data); err != nil {
			f.Close()
			_ = os.Remove(full)
			return Record{}, fmt.Errorf("write %s: %w", filename, err)
		}
		if err := f.Close(); err != nil {
			return Record{}, fmt.Errorf("close %s: %w", filename, err)
		}

		return Record{
			Address:  addr,
			Kind:     sub.Kind,
			Filename: filename,
			Path:     full,
			Size:     len(sub.Data),
			StoredAt: at,
		}, nil
	}
	return Record{}, fmt.Errorf("could not allocate a unique filename for %s", name)
}

// AppendAudit adds text as one line to addr's audit log. Text starting with
// BootstrapMarker truncates the log first.
func (s *Store) AppendAudit(addr, text string) (AuditResult, error) {
	path := s.AuditPath(addr)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return AuditResult{}, fmt.Errorf("create audit dir: %w", err)
	}

	truncate := strings.HasPrefix(text, BootstrapMarker)
	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if truncate {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	line := FormatAuditLine(s.now(), text)
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return AuditResult{}, fmt.Errorf("open audit log: %w", err)
	}
	// One Write per line so concurrent appenders interleave whole lines.
	if _, err := f.Write([]byte(line)); err != nil {
		f.Close()
		return AuditResult{}, fmt.Errorf("append audit log: %w", err)
	}
	if err := f.Close(); err != nil {
		return AuditResult{}, fmt.Errorf("close audit log: %w", err)
	}
	return AuditResult{Path: path, Line: line, Truncated: truncate}, nil
}

// FormatAuditLine renders a timestamped, tagged audit line ending in a
// newline. Embedded line breaks are escaped.
func FormatAuditLine(at time.Time, text string) string {
	tag := "PASTE"
	body := text
	if strings.HasPrefix(text, "[") {
		if end := strings.Index(text, "]"); end > 1 {
			tag = strings.ToUpper(text[1:end])
			body = strings.TrimSpace(text[end+1:])
		}
	}
	body = strings.NewReplacer("\r\n", `\n`, "\n", `\n`, "\r", `\r`).Replace(body)
	return fmt.Sprintf("%s [%s] %s\n", at.Format(time.RFC3339), tag, body)
}

// IsStatusEcho reports whether text is one of the agent's own status lines.
func IsStatusEcho(text string) bool {
	return strings.HasPrefix(text, "[AGENT]") || strings.HasPrefix(text, "[BOOTSTRAP]")
}

// stamp returns a strictly increasing UTC time so two submissions never share
// a filename prefix.
func (s *Store) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now().UTC().Truncate(time.Microsecond)
	if !at.After(s.last) {
		at = s.last.Add(time.Microsecond)
	}
	s.last = at
	return at
}
