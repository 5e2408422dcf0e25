package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "docs"})
	require.ErrorContains(t, err, "storage client is required")
}

func TestNewRequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := New(&storage.Client{}, Config{})
	require.ErrorContains(t, err, "bucket name is required")
}
