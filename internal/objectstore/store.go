// Package objectstore uploads acquired media and covers to an S3-compatible
// bucket.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"storyhub/resolverservice/internal/domain"
)

type Store interface {
	PutFile(ctx context.Context, key, filePath, contentType string) error
	PutBytes(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// MediaKey returns the object path for an acquired track. The platform source
// id is used when it is safe, otherwise a hash of url and title.
func MediaKey(category domain.Category, sourceID, url, title string) string {
	name := unsafeKeyChars.ReplaceAllString(strings.TrimSpace(sourceID), "")
	if name == "" || len(name) > 64 {
		sum := sha256.Sum256([]byte(url + ":" + title))
		name = hex.EncodeToString(sum[:])[:16]
	}
	return path.Join(category.StorageFolder(), name+".m4a")
}

// CoverKey returns the object path of the cover image for mediaKey.
func CoverKey(mediaKey, ext string) string {
	base := strings.TrimSuffix(path.Base(mediaKey), path.Ext(mediaKey))
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	if ext == "" {
		ext = "jpg"
	}
	return path.Join("covers", base+"."+ext)
}

// MemoryStore keeps objects in memory. Used by tests and when no bucket is
// configured.
type MemoryStore struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string]Object
}

type Object struct {
	Data        []byte
	ContentType string
}

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		objects: make(map[string]Object),
	}
}

func (s *MemoryStore) PutFile(ctx context.Context, key, filePath, contentType string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read %s: %w", filePath, err)
	}
	return s.PutBytes(ctx, key, data, contentType)
}

func (s *MemoryStore) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("object key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) PublicURL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}

func (s *MemoryStore) Get(key string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	object, ok := s.objects[key]
	return object, ok
}

func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
