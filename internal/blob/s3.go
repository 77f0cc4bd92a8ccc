package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"wikiimport/internal/common"
)

// DefaultEndpoint is the AWS S3 endpoint.
const DefaultEndpoint = "s3.amazonaws.com"

// ProfileProvider builds S3 clients from a named profile in the shared AWS
// credentials file.
type ProfileProvider struct {
	Profile         string
	CredentialsFile string // empty: AWS_SHARED_CREDENTIALS_FILE or ~/.aws/credentials
	Endpoint        string
	Region          string
	Insecure        bool
}

// Store implements StoreProvider. The bucket must already exist.
func (p ProfileProvider) Store(ctx context.Context, bucket string) (ObjectStore, error) {
	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	client, err := minio.New(endpoint, p.clientOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", bucket)
	}
	return &S3Store{client: client, bucket: bucket}, nil
}

// clientOptions disables the client's own retries; attempts are bounded by
// the uploader's backoff policy alone.
func (p ProfileProvider) clientOptions() *minio.Options {
	return &minio.Options{
		Creds:      credentials.NewFileAWSCredentials(p.CredentialsFile, p.Profile),
		Secure:     !p.Insecure,
		Region:     p.Region,
		MaxRetries: 1,
	}
}

// S3Store is an ObjectStore backed by one S3 bucket.
type S3Store struct {
	client *minio.Client
	bucket string
}

// Exists issues a HEAD for key.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// Put uploads size bytes from r to key.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"content-sha256": key,
		},
	})
	return err
}

// ErrTransient marks an error as retryable for stores other than S3.
var ErrTransient = errors.New("transient object store error")

// throttleCodes are S3 error codes worth retrying.
var throttleCodes = map[string]bool{
	"SlowDown":                 true,
	"Throttling":               true,
	"ThrottlingException":      true,
	"RequestTimeout":           true,
	"RequestTimeTooSkewed":     true,
	"InternalError":            true,
	"ServiceUnavailable":       true,
	"OperationAborted":         true,
	"RequestLimitExceeded":     true,
	"TooManyRequestsException": true,
}

// IsTransient reports whether err is worth another attempt: network errors,
// throttling, and server-side failures. Context cancellation never is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// The source itself is unreadable or changed; the store is not at fault.
	if errors.Is(err, common.ErrIO) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	resp := minio.ToErrorResponse(err)
	if throttleCodes[resp.Code] {
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}
