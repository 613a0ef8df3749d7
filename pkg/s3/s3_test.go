package s3

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestEncodeSHA256(t *testing.T) {
	sum := sha256.Sum256([]byte("bundle"))
	got, err := encodeSHA256(hex.EncodeToString(sum[:]))
	if err != nil {
		t.Fatalf("encodeSHA256: %v", err)
	}
	if got != base64.StdEncoding.EncodeToString(sum[:]) {
		t.Fatalf("encodeSHA256 = %q", got)
	}

	if _, err := encodeSHA256(""); err == nil {
		t.Fatalf("expected error for empty digest")
	}
	if _, err := encodeSHA256("zz"); err == nil {
		t.Fatalf("expected error for non-hex digest")
	}
}

func TestLoadOptions(t *testing.T) {
	ctx := context.Background()

	opts, err := LoadOptions(ctx, envconfig.MapLookuper(map[string]string{
		"S3_ENDPOINT":   "minio:9000",
		"S3_ACCESS_KEY": "key",
		"S3_SECRET_KEY": "secret",
	}))
	if err != nil {
		t.Fatalf("LoadOptions: %v", err)
	}
	if opts.Region != "us-east-1" || !opts.ForcePathStyle || opts.Timeout != 30*time.Second {
		t.Fatalf("defaults not applied: %+v", opts)
	}
	if got := opts.BaseEndpoint(); got != "https://minio:9000" {
		t.Fatalf("BaseEndpoint = %q", got)
	}
	opts.DisableTLS = true
	if got := opts.BaseEndpoint(); got != "http://minio:9000" {
		t.Fatalf("BaseEndpoint without TLS = %q", got)
	}
	opts.Endpoint = "https://s3.example.com"
	if got := opts.BaseEndpoint(); got != "https://s3.example.com" {
		t.Fatalf("BaseEndpoint with scheme = %q", got)
	}

	if _, err := LoadOptions(ctx, envconfig.MapLookuper(map[string]string{
		"S3_ACCESS_KEY": "key",
		"S3_SECRET_KEY": "secret",
	})); err == nil {
		t.Fatalf("expected error without S3_ENDPOINT")
	}
	if _, err := LoadOptions(ctx, envconfig.MapLookuper(map[string]string{
		"S3_ENDPOINT": "minio:9000",
	})); err == nil {
		t.Fatalf("expected error without credentials")
	}
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		raw    string
		bucket string
		key    string
		ok     bool
	}{
		{"s3://rescue", "rescue", "b.tar.zst", true},
		{"s3://rescue/exports/", "rescue", "exports/b.tar.zst", true},
		{"s3://rescue/a/b", "rescue", "a/b/b.tar.zst", true},
		{"s3:///exports", "", "", false},
		{"https://rescue/exports", "", "", false},
	}
	for _, tt := range tests {
		loc, err := ParseLocation(tt.raw)
		if (err == nil) != tt.ok {
			t.Fatalf("ParseLocation(%q) err = %v", tt.raw, err)
		}
		if !tt.ok {
			continue
		}
		if loc.Bucket != tt.bucket || loc.Key("b.tar.zst") != tt.key {
			t.Fatalf("ParseLocation(%q) = %+v key %q", tt.raw, loc, loc.Key("b.tar.zst"))
		}
	}
}
