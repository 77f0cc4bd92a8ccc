package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDefinitions(t *testing.T) {
	t.Parallel()

	errs := []error{
		ErrNotFound,
		ErrExists,
		ErrInvalidLayout,
		ErrInvalidPath,
		ErrMalformed,
		ErrEncoding,
		ErrTruncated,
		ErrNoRevisions,
		ErrCancelled,
		ErrBadTransition,
		ErrAlreadyRunning,
		ErrIO,
	}

	t.Run("all errors are non-nil", func(t *testing.T) {
		t.Parallel()
		for i, err := range errs {
			require.NotNil(t, err, "error at index %d should not be nil", i)
		}
	})

	t.Run("all error messages are unique", func(t *testing.T) {
		t.Parallel()
		seen := make(map[string]bool)
		for _, err := range errs {
			msg := err.Error()
			assert.False(t, seen[msg], "duplicate error message: %s", msg)
			seen[msg] = true
		}
	})
}

func TestTypedErrorsUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"ScanError", &ScanError{Root: "/archive", Err: cause}, "scan /archive: boom"},
		{"ScanWarning", &ScanWarning{Path: "example/pages", Err: cause}, "scan warning example/pages: boom"},
		{"ParseError", &ParseError{Path: "example/meta/pages/home.json", Cause: cause}, "parse example/meta/pages/home.json: boom"},
		{"UploadError", &UploadError{Hash: "abc", Path: "example/files/home/logo.png", Err: cause}, "upload abc (example/files/home/logo.png): boom"},
		{"WriteError", &WriteError{Site: "example", Page: "home", Err: cause}, "write page example/home: boom"},
		{"StoreError", &StoreError{Op: "commit", Err: cause}, "store unusable during commit: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
			assert.ErrorIs(t, tt.err, cause)
		})
	}
}

func TestIOErrorMatchesSentinel(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("hashing: %w", &IOError{Path: "x", Err: errors.New("short read")})
	assert.ErrorIs(t, err, ErrIO)
	assert.Contains(t, err.Error(), "reading x")
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(&ScanError{Root: "/", Err: cause}))
	assert.True(t, IsFatal(fmt.Errorf("wrapped: %w", &StoreError{Op: "commit", Err: cause})))
	assert.False(t, IsFatal(&WriteError{Site: "s", Page: "p", Err: cause}))
	assert.False(t, IsFatal(&UploadError{Hash: "h", Err: cause}))
	assert.False(t, IsFatal(&ParseError{Path: "p", Cause: cause}))
}
