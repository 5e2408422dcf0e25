// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
)

// BlobStore keeps archived objects in memory and returns pseudo URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]extractor.Object
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]extractor.Object)}
}

// PutObject stores a copy of obj and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, obj extractor.Object) (string, error) {
	if obj.Path == "" {
		return "", fmt.Errorf("path is required")
	}
	stored := obj
	stored.Data = append([]byte(nil), obj.Data...)
	if obj.Metadata != nil {
		stored.Metadata = make(map[string]string, len(obj.Metadata))
		for k, v := range obj.Metadata {
			stored.Metadata[k] = v
		}
	}
	s.mu.Lock()
	s.objects[obj.Path] = stored
	s.mu.Unlock()
	return "memory://" + obj.Path, nil
}

// Object returns the stored object at path.
func (s *BlobStore) Object(path string) (extractor.Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	return obj, ok
}
