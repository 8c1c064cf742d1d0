package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage"
)

// Disk implements storage.Disk for AWS S3 and S3-compatible storage.
type Disk struct {
	client *s3.Client
	bucket string
	prefix string
}

var (
	_ storage.Disk   = (*Disk)(nil)
	_ storage.Opener = (*Disk)(nil)
)

// New creates a new S3 disk with the given configuration.
func New(ctx context.Context, cfg Config) (*Disk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &storage.StorageError{
			Op:      "New",
			Backend: storage.BackendS3,
			Disk:    cfg.Bucket,
			Err:     err,
		}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &Disk{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: normalizePrefix(cfg.Prefix),
	}, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Get downloads a blob fully into memory.
func (d *Disk) Get(ctx context.Context, key string) ([]byte, error) {
	body, err := d.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	b, err := io.ReadAll(body)
	if err != nil {
		return nil, d.wrapError("Get", key, err)
	}
	return b, nil
}

// Open streams a blob.
func (d *Disk) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.objectKey(key)),
	})
	if err != nil {
		return nil, d.wrapError("Get", key, err)
	}
	return out.Body, nil
}

// Put uploads a blob.
func (d *Disk) Put(ctx context.Context, key string, data []byte) error {
	contentLength := int64(len(data))
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(d.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: &contentLength,
		ContentType:   aws.String(contentTypeFor(key)),
	})
	if err != nil {
		return d.wrapError("Put", key, err)
	}
	return nil
}

// Exists issues a HEAD request; a missing object is not an error.
func (d *Disk) Exists(ctx context.Context, key string) (bool, error) {
	_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.objectKey(key)),
	})
	if err != nil {
		wrapped := d.wrapError("Exists", key, err)
		if storage.IsNotFound(wrapped) {
			return false, nil
		}
		return false, wrapped
	}
	return true, nil
}

// Close releases any resources held by the disk.
// The S3 client doesn't require explicit cleanup, but this satisfies the interface.
func (d *Disk) Close() error {
	return nil
}

func (d *Disk) objectKey(key string) string {
	return d.prefix + strings.TrimPrefix(strings.TrimSpace(key), "/")
}

// wrapError converts S3 errors to storage errors with appropriate sentinel errors.
func (d *Disk) wrapError(op, key string, err error) error {
	return &storage.StorageError{
		Op:      op,
		Backend: storage.BackendS3,
		Disk:    d.bucket,
		Key:     key,
		Err:     classifyError(err),
	}
}

// classifyError maps S3 and smithy errors onto storage sentinels. Errors
// that match no known code are returned unchanged.
func classifyError(err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		return storage.ErrNotFound
	case errors.As(err, &noSuchBucket):
		return storage.ErrBucketNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return storage.ErrNotFound
		case "NoSuchBucket":
			return storage.ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			return storage.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return storage.ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return storage.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			return storage.ErrUnavailable
		}
		return err
	}

	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		return storage.ErrNotFound
	case strings.Contains(errMsg, "NoSuchBucket"):
		return storage.ErrBucketNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden") || strings.Contains(errMsg, "403"):
		return storage.ErrAccessDenied
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "Throttling") || strings.Contains(errMsg, "429"):
		return storage.ErrThrottled
	case strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"):
		return storage.ErrUnavailable
	}
	return err
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimPrefix(strings.TrimSpace(prefix), "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

func contentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".csv"):
		return "text/csv"
	case strings.HasSuffix(key, ".txt"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// resolveRegion applies the AWS fallback region when the SDK resolved none
// and no custom endpoint is configured.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
