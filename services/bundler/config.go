package bundler

import (
	"io"
	"time"

	gos3 "rescued/pkg/s3"
)

// ExportConfig configures creation of an evidence bundle for one address.
type ExportConfig struct {
	EvidenceRoot string
	AuditRoot    string
	Address      string
	Output       string
	Signer       *Signer
	Now          func() time.Time
	Stdout       io.Writer
}

// VerifyConfig configures bundle verification. ExtractTo is optional.
type VerifyConfig struct {
	BundlePath string
	ExtractTo  string
	Signer     *Signer
	Stdout     io.Writer
}

// UploadConfig configures publishing a bundle to object storage.
type UploadConfig struct {
	BundlePath  string
	Destination string
	S3          *gos3.Client
	Metadata    map[string]string
	LinkTTL     time.Duration
	Stdout      io.Writer
}
