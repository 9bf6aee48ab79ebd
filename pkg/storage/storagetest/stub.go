// Package storagetest provides an in-memory object store.
package storagetest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aura-webinar/recording-sync/pkg/storage"
)

// Object is a stored blob's metadata.
type Object struct {
	Size     int64
	ETag     string
	Metadata map[string]string
}

// Store records puts and serves heads from memory.
type Store struct {
	mu      sync.Mutex
	objects map[string]Object

	// PutErr, when set, is returned by Put. PutHook runs before each Put.
	PutErr  error
	PutHook func(key string)
	// Puts counts Put calls that reached the store.
	Puts int
}

// New returns an empty store.
func New() *Store {
	return &Store{objects: make(map[string]Object)}
}

// Put reads the local file, reporting progress in two steps.
func (s *Store) Put(ctx context.Context, localPath, key string, metadata map[string]string, progress storage.ProgressFunc) (*storage.PutResult, error) {
	if s.PutHook != nil {
		s.PutHook(key)
	}
	s.mu.Lock()
	s.Puts++
	putErr := s.PutErr
	s.mu.Unlock()
	if putErr != nil {
		return nil, putErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, err
	}
	size := int64(len(data))
	if progress != nil {
		progress(size/2, size)
		progress(size, size)
	}
	etag := fmt.Sprintf("etag-%d-%d", size, time.Now().UnixNano())
	s.mu.Lock()
	s.objects[key] = Object{Size: size, ETag: etag, Metadata: metadata}
	s.mu.Unlock()
	return &storage.PutResult{Key: key, URL: s.ObjectURL(key), ETag: etag, Size: size}, nil
}

// Seed stores an object without a file.
func (s *Store) Seed(key string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{Size: size, ETag: "seeded"}
}

// Object returns the stored object for key.
func (s *Store) Object(key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	return o, ok
}

// HeadObject reports whether key exists.
func (s *Store) HeadObject(_ context.Context, key string) (*storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	if !ok {
		return &storage.ObjectInfo{}, nil
	}
	return &storage.ObjectInfo{Exists: true, Size: o.Size, ETag: o.ETag}, nil
}

// DeleteObject removes key.
func (s *Store) DeleteObject(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// ObjectURL returns a fake URL for key.
func (s *Store) ObjectURL(key string) string {
	return "https://objects.test/" + key
}

// Presign returns a fake signed URL for key.
func (s *Store) Presign(_ context.Context, key string, opts storage.PresignOptions) (string, error) {
	return fmt.Sprintf("https://objects.test/%s?expires=%d", key, int(opts.ExpiresIn.Seconds())), nil
}
