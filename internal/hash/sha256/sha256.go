// Package sha256 fingerprints retrieved invoices. The fingerprint is stored
// with each archived PDF and lets the processor spot a portal that served the
// same bill for two reference months.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrEmptyDocument is returned for a zero-length document body.
var ErrEmptyDocument = errors.New("empty document")

// Fingerprinter implements extractor.Hasher.
type Fingerprinter struct{}

// New returns a Fingerprinter.
func New() Fingerprinter {
	return Fingerprinter{}
}

// Hash returns the lowercase hex SHA-256 of doc. Empty bodies have no
// fingerprint.
func (Fingerprinter) Hash(doc []byte) (string, error) {
	if len(doc) == 0 {
		return "", ErrEmptyDocument
	}
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:]), nil
}
