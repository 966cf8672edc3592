// Package blobstore validates and stores uploaded files. Objects are keyed
// <practice>/<category>/<uuid><ext> so every file belongs to exactly one
// practice.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrInvalidKey      = errors.New("invalid blob key")
	ErrInvalidCategory = errors.New("invalid file category")
)

// AllowedCategories lists valid upload categories.
var AllowedCategories = map[string]bool{
	"avatar":        true,
	"document":      true,
	"lab-result":    true,
	"prescription":  true,
	"product-image": true,
	"other":         true,
}

var (
	keySegment = regexp.MustCompile(`^[a-z0-9_-]{1,63}$`)
	keyObject  = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.[a-z0-9]{1,8}$`)
)

// Object describes a stored blob.
type Object struct {
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Store is a blob storage backend.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, Object, error)
	Delete(ctx context.Context, key string) error
}

// NewKey builds a fresh key for a file in practice/category.
func NewKey(practice, category, ext string) (string, error) {
	if !AllowedCategories[category] {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	key := practice + "/" + category + "/" + uuid.NewString() + strings.ToLower(ext)
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// ValidateKey checks that key has the <practice>/<category>/<uuid><ext>
// shape, which also rules out path traversal.
func ValidateKey(key string) error {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || !keySegment.MatchString(parts[0]) || !AllowedCategories[parts[1]] || !keyObject.MatchString(parts[2]) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// KeyPractice returns the practice segment of a valid key.
func KeyPractice(key string) string {
	practice, _, _ := strings.Cut(key, "/")
	return practice
}

// ---------------------------------------------------------------------------
// Disk store
// ---------------------------------------------------------------------------

// DiskStore keeps blobs as files under a root directory.
type DiskStore struct {
	root     string
	maxBytes int64
}

// NewDiskStore creates root if needed.
func NewDiskStore(root string, maxBytes int64) (*DiskStore, error) {
	if root == "" {
		return nil, fmt.Errorf("upload directory is required")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DiskStore{root: root, maxBytes: maxBytes}, nil
}

func (s *DiskStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put streams r to disk through a temporary file, hashing as it goes. The
// file only appears under its key once fully written and within the limit.
func (s *DiskStore) Put(ctx context.Context, key string, r io.Reader) (Object, error) {
	dst, err := s.path(key)
	if err != nil {
		return Object{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return Object{}, fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return Object{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(&ctxReader{ctx: ctx, r: r}, s.maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Object{}, fmt.Errorf("write blob: %w", err)
	}
	if n > s.maxBytes {
		return Object{}, ErrFileTooLarge
	}
	if n == 0 {
		return Object{}, ErrEmptyFile
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return Object{}, fmt.Errorf("commit blob: %w", err)
	}
	return Object{Key: key, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// Get opens the blob for reading. Size is filled in; the hash is not.
func (s *DiskStore) Get(_ context.Context, key string) (io.ReadCloser, Object, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, Object{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Object{}, ErrBlobNotFound
		}
		return nil, Object{}, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Object{}, err
	}
	return f, Object{Key: key, Size: info.Size()}, nil
}

// Delete removes the blob.
func (s *DiskStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrBlobNotFound
		}
		return err
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

// MemoryStore is a thread-safe Store for tests and development.
type MemoryStore struct {
	mu       sync.RWMutex
	blobs    map[string][]byte
	maxBytes int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(maxBytes int64) *MemoryStore {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &MemoryStore{blobs: make(map[string][]byte), maxBytes: maxBytes}
}

func (s *MemoryStore) Put(_ context.Context, key string, r io.Reader) (Object, error) {
	if err := ValidateKey(key); err != nil {
		return Object{}, err
	}
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return Object{}, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return Object{}, ErrFileTooLarge
	}
	if len(data) == 0 {
		return Object{}, ErrEmptyFile
	}
	sum := sha256.Sum256(data)

	s.mu.Lock()
	s.blobs[key] = data
	s.mu.Unlock()
	return Object{Key: key, Size: int64(len(data)), SHA256: hex.EncodeToString(sum[:])}, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, Object, error) {
	s.mu.RLock()
	data, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, Object{}, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), Object{Key: key, Size: int64(len(data))}, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}
