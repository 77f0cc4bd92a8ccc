package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"
	"sync/atomic"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"wikiimport/internal/common"
	"wikiimport/internal/content"
	"wikiimport/internal/util"
)

// Payload is one blob to be stored. Open is called once per upload attempt,
// so the bytes are streamed from their source and never held whole.
type Payload struct {
	Hash        content.Hash
	Path        string // archive path, for error reports
	Size        int64
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// BytesPayload is a Payload over an in-memory buffer.
func BytesPayload(data []byte, path, contentType string) Payload {
	return Payload{
		Hash:        content.HashBytes(data),
		Path:        path,
		Size:        int64(len(data)),
		ContentType: contentType,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// Outcome describes what Ensure had to do.
type Outcome int

const (
	// Uploaded means bytes were transferred by this call.
	Uploaded Outcome = iota + 1
	// Deduplicated means the object already existed or another caller
	// stored it.
	Deduplicated
)

func (o Outcome) String() string {
	switch o {
	case Uploaded:
		return "uploaded"
	case Deduplicated:
		return "deduplicated"
	default:
		return "unknown"
	}
}

// Stats are run-wide upload counters.
type Stats struct {
	Uploaded      int64
	Deduplicated  int64
	BytesUploaded int64
	Failed        int64
}

// Uploader ensures blobs exist in an ObjectStore. It is safe for concurrent
// use; concurrent calls for the same hash share one upload.
type Uploader struct {
	store  ObjectStore
	prefix string
	policy util.BackoffPolicy
	log    logrus.FieldLogger

	inflight singleflight.Group

	mu    sync.RWMutex
	known map[content.Hash]struct{}

	uploaded      atomic.Int64
	deduplicated  atomic.Int64
	bytesUploaded atomic.Int64
	failed        atomic.Int64
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithKeyPrefix prepends prefix to every object key.
func WithKeyPrefix(prefix string) UploaderOption {
	return func(u *Uploader) {
		u.prefix = prefix
	}
}

// WithBackoff sets the retry policy for existence checks and uploads.
func WithBackoff(p util.BackoffPolicy) UploaderOption {
	return func(u *Uploader) {
		u.policy = p
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) UploaderOption {
	return func(u *Uploader) {
		u.log = log
	}
}

// NewUploader returns an Uploader writing to store.
func NewUploader(store ObjectStore, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		store: store,
		known: make(map[content.Hash]struct{}),
		policy: util.BackoffPolicy{
			Attempts: 5,
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.log == nil {
		u.log = logrus.StandardLogger()
	}
	return u
}

// Key returns the object key for h.
func (u *Uploader) Key(h content.Hash) string {
	return content.ObjectKey(u.prefix, h)
}

func (u *Uploader) isKnown(h content.Hash) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.known[h]
	return ok
}

func (u *Uploader) markKnown(h content.Hash) {
	u.mu.Lock()
	u.known[h] = struct{}{}
	u.mu.Unlock()
}

// Ensure makes sure an object for p.Hash exists, uploading it if missing.
// Failures after all retries are returned as *common.UploadError.
func (u *Uploader) Ensure(ctx context.Context, p Payload) (Outcome, error) {
	if u.isKnown(p.Hash) {
		u.deduplicated.Add(1)
		return Deduplicated, nil
	}

	ran := false
	v, err, _ := u.inflight.Do(string(p.Hash), func() (interface{}, error) {
		ran = true
		return u.ensure(ctx, p)
	})
	if err != nil {
		u.failed.Add(1)
		return 0, &common.UploadError{Hash: string(p.Hash), Path: p.Path, Err: err}
	}
	if !ran {
		u.deduplicated.Add(1)
		return Deduplicated, nil
	}
	outcome := v.(Outcome)
	if outcome == Uploaded {
		u.uploaded.Add(1)
		u.bytesUploaded.Add(p.Size)
	} else {
		u.deduplicated.Add(1)
	}
	return outcome, nil
}

func (u *Uploader) ensure(ctx context.Context, p Payload) (Outcome, error) {
	// A concurrent flight may have finished between the fast-path check
	// and acquiring this flight.
	if u.isKnown(p.Hash) {
		return Deduplicated, nil
	}
	key := u.Key(p.Hash)
	log := u.log.WithFields(logrus.Fields{"hash": p.Hash.Short(), "path": p.Path})

	opts := append(util.BackoffRetryOptions(ctx, u.policy, IsTransient),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("object store attempt %d failed, retrying", n+1)
		}))

	exists, err := util.RetryWithResult(ctx, func() (bool, error) {
		return u.store.Exists(ctx, key)
	}, opts...)
	if err != nil {
		return 0, err
	}
	if exists {
		log.Debug("blob already stored")
		u.markKnown(p.Hash)
		return Deduplicated, nil
	}

	contentType := p.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	err = util.Retry(ctx, func() error {
		return u.put(ctx, key, p, contentType)
	}, opts...)
	if err != nil {
		return 0, err
	}
	log.WithField("size", p.Size).Debug("blob uploaded")
	u.markKnown(p.Hash)
	return Uploaded, nil
}

// put streams one attempt. The stream is checked against p.Hash so a source
// that changed since it was hashed never lands under the old key.
func (u *Uploader) put(ctx context.Context, key string, p Payload, contentType string) error {
	rc, err := p.Open()
	if err != nil {
		var ioErr *common.IOError
		if !errors.As(err, &ioErr) {
			err = &common.IOError{Path: p.Path, Err: err}
		}
		return err
	}
	defer rc.Close()

	v := &verifyingReader{r: rc, path: p.Path, want: p.Hash, size: p.Size, sum: sha256.New()}
	if err := u.store.Put(ctx, key, v, p.Size, contentType); err != nil {
		return err
	}
	if !v.verified && (v.n != v.size || !v.check()) {
		return v.changed("store read %d of %d bytes", v.n, v.size)
	}
	return nil
}

// verifyingReader passes through exactly size bytes and hashes them. Read
// errors come back as *common.IOError, and the last read fails if the digest
// is not want.
type verifyingReader struct {
	r        io.Reader
	path     string
	want     content.Hash
	size     int64
	sum      hash.Hash
	n        int64
	verified bool
}

func (v *verifyingReader) Read(b []byte) (int, error) {
	if v.n == v.size {
		if !v.verified {
			if v.verified = v.check(); !v.verified {
				return 0, v.changed("digest mismatch")
			}
		}
		return 0, io.EOF
	}
	if remaining := v.size - v.n; int64(len(b)) > remaining {
		b = b[:remaining]
	}
	n, err := v.r.Read(b)
	v.sum.Write(b[:n])
	v.n += int64(n)
	switch {
	case err == io.EOF && v.n < v.size:
		return n, v.changed("source is %d bytes, expected %d", v.n, v.size)
	case err != nil && err != io.EOF:
		return n, &common.IOError{Path: v.path, Err: err}
	}
	if v.n == v.size {
		if v.verified = v.check(); !v.verified {
			return n, v.changed("digest mismatch")
		}
	}
	return n, nil
}

func (v *verifyingReader) check() bool {
	return content.Hash(hex.EncodeToString(v.sum.Sum(nil))) == v.want
}

func (v *verifyingReader) changed(format string, args ...any) error {
	return &common.IOError{Path: v.path, Err: fmt.Errorf("%w: %s", common.ErrChanged, fmt.Sprintf(format, args...))}
}

// Stats returns a snapshot of the counters.
func (u *Uploader) Stats() Stats {
	return Stats{
		Uploaded:      u.uploaded.Load(),
		Deduplicated:  u.deduplicated.Load(),
		BytesUploaded: u.bytesUploaded.Load(),
		Failed:        u.failed.Load(),
	}
}
