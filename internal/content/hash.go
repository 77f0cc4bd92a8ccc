// Package content computes the content addresses used as blob identity.
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"wikiimport/internal/common"
)

// HashLength is the length of a hex encoded content hash.
const HashLength = sha256.Size * 2

// Hash is a lowercase hex SHA-256 digest of a blob payload.
type Hash string

func (h Hash) String() string { return string(h) }

// Valid reports whether h has the shape of a content hash.
func (h Hash) Valid() bool {
	if len(h) != HashLength {
		return false
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Short returns the first 12 characters, for log lines.
func (h Hash) Short() string {
	if len(h) <= 12 {
		return string(h)
	}
	return string(h[:12])
}

// HashBytes returns the content hash of data.
func HashBytes(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// HashReader hashes everything readable from r and returns the byte count.
// A read failure surfaces as *common.IOError.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, &common.IOError{Err: err}
	}
	return Hash(hex.EncodeToString(h.Sum(nil))), n, nil
}

// ObjectKey derives the object-store key for h.
func ObjectKey(prefix string, h Hash) string {
	return prefix + string(h)
}

// ParseHash validates s as a content hash.
func ParseHash(s string) (Hash, error) {
	h := Hash(s)
	if !h.Valid() {
		return "", fmt.Errorf("invalid content hash %q", s)
	}
	return h, nil
}
