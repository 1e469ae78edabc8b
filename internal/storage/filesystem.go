// Package storage handles file IO for job inputs and outputs. Reads and
// writes run off the caller's goroutine so a slow disk never holds a
// generation slot.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const defaultChunkSize = 64 * 1024

// Chunk is one piece of a chunked read. Err is set on the final chunk when
// the read failed partway.
type Chunk struct {
	Data []byte
	Err  error
}

// FileStore persists assets onto the local filesystem and serves chunked
// reads of uploaded inputs. Small files are kept in a bounded byte cache so
// repeated hashing of the same upload does not reread the disk.
type FileStore struct {
	basePath  string
	chunkSize int

	cacheMu   sync.Mutex
	cache     map[string][]byte
	cacheSize int
	cacheCap  int
}

// Options configures a FileStore.
type Options struct {
	BasePath  string
	ChunkSize int
	CacheCap  int
}

// NewFileStore initializes a FileStore rooted at opts.BasePath.
func NewFileStore(opts Options) (*FileStore, error) {
	basePath := strings.TrimSpace(opts.BasePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	cacheCap := opts.CacheCap
	if cacheCap <= 0 {
		cacheCap = 32 * 1024 * 1024
	}
	return &FileStore{
		basePath:  basePath,
		chunkSize: chunkSize,
		cache:     make(map[string][]byte),
		cacheCap:  cacheCap,
	}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// ReadChunked streams the file under key as a lazy sequence of chunks. The
// read runs in its own goroutine; cancelling ctx stops it early.
func (s *FileStore) ReadChunked(ctx context.Context, key string) (<-chan Chunk, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer f.Close()
		for {
			buf := make([]byte, s.chunkSize)
			n, err := f.Read(buf)
			if n > 0 {
				select {
				case out <- Chunk{Data: buf[:n]}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					select {
					case out <- Chunk{Err: fmt.Errorf("storage: read: %w", err)}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()
	return out, nil
}

// ReadAll returns the file's full contents, consulting the byte cache first.
func (s *FileStore) ReadAll(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	if data, ok := s.cached(cleanKey); ok {
		return data, nil
	}
	data, err := os.ReadFile(filepath.Join(s.basePath, filepath.FromSlash(cleanKey)))
	if err != nil {
		return nil, fmt.Errorf("storage: read file: %w", err)
	}
	s.remember(cleanKey, data)
	return data, nil
}

// ContentHash returns the hex SHA-256 of the file's bytes, streamed in
// chunks so large uploads never sit fully in memory.
func (s *FileStore) ContentHash(ctx context.Context, key string) (string, error) {
	chunks, err := s.ReadChunked(ctx, key)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		h.Write(chunk.Data)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes is the in-memory counterpart of ContentHash for uploads that
// arrive as a request body rather than a stored file.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Write persists the provided bytes at the given relative key and returns the
// canonicalized storage key. Keys are cleaned to prevent directory traversal.
func (s *FileStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	if s == nil {
		return "", errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write file: %w", err)
	}
	s.remember(cleanKey, data)
	return cleanKey, nil
}

// WriteAsync performs Write off the caller's goroutine. The returned channel
// yields the single outcome and is then closed.
func (s *FileStore) WriteAsync(ctx context.Context, key string, data []byte) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		if _, err := s.Write(ctx, key, data); err != nil {
			done <- err
		}
	}()
	return done
}

func (s *FileStore) resolve(key string) (string, error) {
	if s == nil {
		return "", errors.New("storage: no store configured")
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(cleanKey)), nil
}

func (s *FileStore) cached(key string) ([]byte, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	data, ok := s.cache[key]
	return data, ok
}

// remember keeps small files in memory, evicting arbitrary entries once the
// byte budget is exceeded. Files larger than a quarter of the budget are
// never cached.
func (s *FileStore) remember(key string, data []byte) {
	if len(data) > s.cacheCap/4 {
		return
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if old, ok := s.cache[key]; ok {
		s.cacheSize -= len(old)
	}
	for k, v := range s.cache {
		if s.cacheSize+len(data) <= s.cacheCap {
			break
		}
		s.cacheSize -= len(v)
		delete(s.cache, k)
	}
	s.cache[key] = data
	s.cacheSize += len(data)
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.Clean(key)
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}
