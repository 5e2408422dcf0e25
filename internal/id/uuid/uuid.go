// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings for jobs.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// RandomGenerator creates UUIDv4 strings. Captcha task IDs end up in
// public resolution URLs, so they must not be guessable from creation time.
type RandomGenerator struct{}

// NewRandom creates a new RandomGenerator.
func NewRandom() *RandomGenerator {
	return &RandomGenerator{}
}

// NewID returns a UUIDv4 string.
func (RandomGenerator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	return id.String(), nil
}
