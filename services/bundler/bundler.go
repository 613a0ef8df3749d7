package bundler

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"rescued/pkg/manifest"
	gos3 "rescued/pkg/s3"
	"rescued/services/evidence"
)

const (
	manifestFileName = "manifest.yaml"
	evidencePrefix   = "evidence"
	auditPrefix      = "audit"
	manifestVersion  = "1"
)

// source pairs a manifest entry with the file it was read from.
type source struct {
	entry ManifestFile
	path  string
}

// Export writes a signed tar.zst bundle with the evidence files and audit log
// stored for one address.
func Export(ctx context.Context, cfg ExportConfig) (*Manifest, error) {
	if cfg.EvidenceRoot == "" || cfg.AuditRoot == "" {
		return nil, errors.New("evidence and audit roots are required")
	}
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("address is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	store, err := evidence.NewStore(cfg.EvidenceRoot, cfg.AuditRoot)
	if err != nil {
		return nil, err
	}
	addr := evidence.NormalizeAddr(cfg.Address)

	sources, err := collectFiles(ctx, store.EvidenceDir(addr), evidencePrefix)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(store.AuditPath(addr)); err == nil {
		audit, err := describeFile(store.AuditPath(addr), auditPrefix+"/audit.log", auditPrefix)
		if err != nil {
			return nil, err
		}
		sources = append(sources, audit)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no evidence stored for %s", addr)
	}

	sort.Slice(sources, func(i, j int) bool {
		return sources[i].entry.Path < sources[j].entry.Path
	})
	files := make([]ManifestFile, len(sources))
	for i, src := range sources {
		files[i] = src.entry
	}

	m := &Manifest{
		Version:   manifestVersion,
		CreatedAt: cfg.Now().UTC().Truncate(time.Second),
		Address:   addr,
		Files:     files,
	}
	if err := cfg.Signer.Seal(m); err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}

	manifestBytes, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, sources); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d files for %s)\n", cfg.Output, len(files), addr)
	return m, nil
}

func collectFiles(ctx context.Context, root, prefix string) ([]source, error) {
	var sources []source
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				return fs.SkipDir
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", p, err)
		}
		src, err := describeFile(p, path.Join(prefix, filepath.ToSlash(rel)), prefix)
		if err != nil {
			return err
		}
		sources = append(sources, src)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sources, nil
}

func describeFile(p, name, kind string) (source, error) {
	sum, size, err := manifest.HashFile(p)
	if err != nil {
		return source{}, fmt.Errorf("hash %q: %w", p, err)
	}
	return source{
		entry: ManifestFile{Path: name, Kind: kind, Size: size, SHA256: sum},
		path:  p,
	}, nil
}

func writeBundle(output string, manifestBytes []byte, sources []source) error {
	dir := filepath.Dir(output)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}

	tw := tar.NewWriter(encoder)

	manifestHeader := &tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifestBytes)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(manifestHeader); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifestBytes); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, src := range sources {
		if err := appendFile(tw, src); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return file.Close()
}

func appendFile(tw *tar.Writer, src source) error {
	file, err := os.Open(src.path)
	if err != nil {
		return fmt.Errorf("open %q: %w", src.entry.Path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", src.entry.Path, err)
	}
	header := &tar.Header{
		Name:     src.entry.Path,
		Mode:     int64(info.Mode().Perm()),
		Size:     src.entry.Size,
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", src.entry.Path, err)
	}
	// The audit log may still be growing; only the hashed prefix is archived.
	if _, err := io.CopyN(tw, file, src.entry.Size); err != nil {
		return fmt.Errorf("copy %q: %w", src.entry.Path, err)
	}
	return nil
}

// Verify checks the bundle signature and every file digest. When ExtractTo
// is set the verified files are written below it.
func Verify(ctx context.Context, cfg VerifyConfig) (*Manifest, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bundleFile, err := os.Open(cfg.BundlePath)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	decoder, err := zstd.NewReader(bundleFile)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tempDir, err := os.MkdirTemp("", "rescued-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	manifestBytes, files, err := unpack(ctx, tar.NewReader(decoder), tempDir)
	if err != nil {
		return nil, err
	}
	if len(manifestBytes) == 0 {
		return nil, errors.New("bundle missing manifest.yaml")
	}

	var m Manifest
	if err := yaml.Unmarshal(manifestBytes, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", m.Version)
	}
	if err := cfg.Signer.Open(m); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}
	fmt.Fprintf(cfg.Stdout, "verified manifest for %s signed at %s by key %s\n", m.Address, m.CreatedAt.Format(time.RFC3339), cfg.Signer.Fingerprint())

	for _, f := range m.Files {
		tempPath, ok := files[path.Clean(f.Path)]
		if !ok {
			return nil, fmt.Errorf("file %q missing from archive", f.Path)
		}
		if err := validateFile(tempPath, f); err != nil {
			return nil, err
		}
	}

	if cfg.ExtractTo != "" {
		for _, f := range m.Files {
			target := filepath.Join(cfg.ExtractTo, filepath.FromSlash(path.Clean(f.Path)))
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, fmt.Errorf("mkdir for %q: %w", f.Path, err)
			}
			if err := copyFile(files[path.Clean(f.Path)], target); err != nil {
				return nil, err
			}
		}
		fmt.Fprintf(cfg.Stdout, "extracted %d files to %s\n", len(m.Files), cfg.ExtractTo)
	}

	return &m, nil
}

func unpack(ctx context.Context, tr *tar.Reader, tempDir string) ([]byte, map[string]string, error) {
	var manifestBytes []byte
	files := map[string]string{}

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(header.Name)
		if name == manifestFileName {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, fmt.Errorf("read manifest: %w", err)
			}
			manifestBytes = data
			continue
		}

		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return nil, nil, fmt.Errorf("invalid entry path %q", header.Name)
		}
		targetPath := filepath.Join(tempDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("mkdir %q: %w", filepath.Dir(targetPath), err)
		}
		file, err := os.Create(targetPath)
		if err != nil {
			return nil, nil, fmt.Errorf("create temp file for %q: %w", name, err)
		}
		if _, err := io.Copy(file, tr); err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("write temp file for %q: %w", name, err)
		}
		file.Close()
		files[name] = targetPath
	}
	return manifestBytes, files, nil
}

func validateFile(p string, f ManifestFile) error {
	sum, size, err := manifest.HashFile(p)
	if err != nil {
		return fmt.Errorf("hash %q: %w", f.Path, err)
	}
	if size != f.Size {
		return fmt.Errorf("size mismatch for %q: expected %d got %d", f.Path, f.Size, size)
	}
	if !strings.EqualFold(sum, f.SHA256) {
		return fmt.Errorf("sha256 mismatch for %q", f.Path)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("write %q: %w", dst, err)
	}
	return out.Close()
}

// Upload stores the bundle under an s3://bucket/prefix destination and
// returns a presigned download link.
func Upload(ctx context.Context, cfg UploadConfig) (string, error) {
	if cfg.BundlePath == "" {
		return "", errors.New("bundle file is required")
	}
	if cfg.S3 == nil {
		return "", errors.New("s3 client is required")
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = 24 * time.Hour
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	loc, err := gos3.ParseLocation(cfg.Destination)
	if err != nil {
		return "", err
	}
	key := loc.Key(filepath.Base(cfg.BundlePath))
	sum, err := cfg.S3.PutFile(ctx, loc, cfg.BundlePath, cfg.Metadata)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", cfg.BundlePath, err)
	}
	link, err := cfg.S3.PresignGet(ctx, loc.Bucket, key, cfg.LinkTTL)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	fmt.Fprintf(cfg.Stdout, "uploaded s3://%s/%s sha256=%s\n", loc.Bucket, key, sum)
	return link, nil
}
