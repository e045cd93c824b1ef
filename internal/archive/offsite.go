package archive

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"file-relay/internal/keys"
)

// OffsiteConfig describes the S3/MinIO bucket receiving archive copies.
type OffsiteConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
}

// Offsite uploads archives to an S3-compatible bucket.
type Offsite struct {
	client *minio.Client
	bucket string
	prefix string
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	// No scheme: host:port, insecure by default for a local MinIO.
	return raw, false, nil
}

// NewOffsite connects to the bucket and checks that it exists.
func NewOffsite(ctx context.Context, cfg OffsiteConfig) (*Offsite, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("offsite configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("bucket does not exist: %s", cfg.Bucket)
	}

	return &Offsite{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// ObjectName returns the object key an archive for key is stored under.
func (o *Offsite) ObjectName(key keys.Key) string {
	return path.Join(o.prefix, string(key)+archiveExt)
}

// Upload copies the archive file at localPath into the bucket.
func (o *Offsite) Upload(ctx context.Context, key keys.Key, localPath string) error {
	_, err := o.client.FPutObject(ctx, o.bucket, o.ObjectName(key), localPath,
		minio.PutObjectOptions{ContentType: "application/zip"})
	return err
}
