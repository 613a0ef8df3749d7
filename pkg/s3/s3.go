// Package s3 archives evidence bundles on any S3 compatible endpoint
// (MinIO, SeaweedFS, AWS).
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sethvargo/go-envconfig"
)

// Options describes how to reach the object store.
type Options struct {
	Endpoint       string        `env:"S3_ENDPOINT, required"`
	AccessKey      string        `env:"S3_ACCESS_KEY, required"`
	SecretKey      string        `env:"S3_SECRET_KEY, required"`
	Region         string        `env:"S3_REGION, default=us-east-1"`
	DisableTLS     bool          `env:"S3_DISABLE_TLS, default=false"`
	ForcePathStyle bool          `env:"S3_FORCE_PATH_STYLE, default=true"`
	Timeout        time.Duration `env:"S3_TIMEOUT, default=30s"`
}

// LoadOptions reads Options through the given lookuper.
func LoadOptions(ctx context.Context, l envconfig.Lookuper) (Options, error) {
	var opts Options
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &opts, Lookuper: l}); err != nil {
		return Options{}, err
	}
	opts.Endpoint = strings.TrimSpace(opts.Endpoint)
	if opts.Endpoint == "" {
		return Options{}, errors.New("S3_ENDPOINT is required")
	}
	return opts, nil
}

// BaseEndpoint returns the endpoint as a URL, adding the scheme when the
// configured value is a bare host:port.
func (o Options) BaseEndpoint() string {
	if strings.HasPrefix(o.Endpoint, "http://") || strings.HasPrefix(o.Endpoint, "https://") {
		return o.Endpoint
	}
	scheme := "https"
	if o.DisableTLS {
		scheme = "http"
	}
	return scheme + "://" + o.Endpoint
}

// Client wraps the AWS SDK v2 S3 client.
type Client struct {
	api     *s3.Client
	presign *s3.PresignClient
}

// NewClientFromEnv builds a Client from S3_* environment variables.
func NewClientFromEnv(ctx context.Context) (*Client, error) {
	opts, err := LoadOptions(ctx, envconfig.OsLookuper())
	if err != nil {
		return nil, err
	}
	return NewClient(ctx, opts)
}

// NewClient builds a Client with static credentials.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	cfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
		awsconfig.WithHTTPClient(&http.Client{Timeout: opts.Timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.ForcePathStyle
		o.BaseEndpoint = aws.String(opts.BaseEndpoint())
	})

	return &Client{
		api:     client,
		presign: s3.NewPresignClient(client),
	}, nil
}

// Location is a bucket plus an optional key prefix.
type Location struct {
	Bucket string
	Prefix string
}

// ParseLocation parses an s3://bucket[/prefix] URL.
func ParseLocation(raw string) (Location, error) {
	trimmed, ok := strings.CutPrefix(raw, "s3://")
	if !ok {
		return Location{}, fmt.Errorf("unsupported destination %q", raw)
	}
	bucket, prefix, _ := strings.Cut(trimmed, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("invalid s3 url %q", raw)
	}
	return Location{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

// Key joins the prefix and name.
func (l Location) Key(name string) string {
	if l.Prefix == "" {
		return name
	}
	return l.Prefix + "/" + name
}

func (l Location) String() string {
	return "s3://" + l.Bucket + "/" + l.Prefix
}

// Object is a single upload.
type Object struct {
	Bucket   string
	Key      string
	Body     io.Reader
	Size     int64
	SHA256   string
	Metadata map[string]string
}

// PutObject uploads o, letting the bucket verify the SHA-256 on receipt.
func (c *Client) PutObject(ctx context.Context, o Object) error {
	if c == nil {
		return errors.New("nil client")
	}
	checksum, err := encodeSHA256(o.SHA256)
	if err != nil {
		return err
	}

	meta := map[string]string{"sha256": o.SHA256}
	for k, v := range o.Metadata {
		meta[k] = v
	}
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(o.Bucket),
		Key:               aws.String(o.Key),
		Body:              o.Body,
		ContentLength:     aws.Int64(o.Size),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(checksum),
		Metadata:          meta,
	})
	return err
}

// PutFile uploads the file at path and returns its hex SHA-256.
func (c *Client) PutFile(ctx context.Context, loc Location, path string, meta map[string]string) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind %q: %w", path, err)
	}
	sum := hex.EncodeToString(hash.Sum(nil))
	err = c.PutObject(ctx, Object{
		Bucket:   loc.Bucket,
		Key:      loc.Key(filepath.Base(path)),
		Body:     file,
		Size:     size,
		SHA256:   sum,
		Metadata: meta,
	})
	return sum, err
}

// PresignGet generates a presigned GET URL valid for ttl.
func (c *Client) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

func encodeSHA256(hexDigest string) (string, error) {
	if hexDigest == "" {
		return "", errors.New("sha256 digest required")
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
