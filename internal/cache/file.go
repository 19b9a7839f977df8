package cache

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/mipyme/offline/internal/errors"
	"github.com/mipyme/offline/internal/logging"
	"github.com/mipyme/offline/internal/models"
)

const (
	// FileDir is the directory used inside the namespace directory.
	FileDir = "cache"

	entryExt = ".entry"
	// values above this size are gzip-compressed when that makes them smaller
	compressThreshold = 1024
)

// fileHeader is the first line of every entry file.
type fileHeader struct {
	Key        string `json:"key"`
	StoredAt   int64  `json:"stored_at"`
	Compressed bool   `json:"compressed,omitempty"`
}

// fileEntry is the in-memory index record for one entry file.
type fileEntry struct {
	key        string
	size       int64 // payload bytes on disk
	storedAt   int64
	compressed bool
}

// FileStore is a Store keeping one file per key, the storage model of a
// browser cache. Writes go to a temp file that is synced and renamed into
// place, so a reader sees either the old or the new entry.
type FileStore struct {
	mu       sync.RWMutex
	baseDir  string
	opts     options
	currSize int64
	entries  map[string]*fileEntry
	log      *logging.Logger
}

var _ Store = (*FileStore)(nil)

// OpenFile opens the file-backed cache under dataDir, rebuilding the index
// from the entry files found there.
func OpenFile(ctx context.Context, dataDir string, opts ...Option) (*FileStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	baseDir := filepath.Join(dataDir, FileDir)
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCacheWrite, "create cache directory", err)
	}

	s := &FileStore{
		baseDir: baseDir,
		opts:    o,
		entries: make(map[string]*fileEntry),
		log:     logging.Named("cache"),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// load scans baseDir. Leftover temp files and unreadable entries are removed.
func (s *FileStore) load(ctx context.Context) error {
	dirEntries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCacheCorrupted, "read cache directory", err)
	}

	for _, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if de.IsDir() {
			continue
		}
		name := de.Name()
		full := filepath.Join(s.baseDir, name)

		if strings.HasSuffix(name, ".tmp") {
			os.Remove(full)
			continue
		}
		if !strings.HasSuffix(name, entryExt) {
			continue
		}

		hdr, size, err := readHeader(full)
		if err != nil || s.fileName(hdr.Key) != name {
			s.log.Warn("Removing unreadable cache entry", map[string]interface{}{"file": name})
			os.Remove(full)
			continue
		}
		s.entries[hdr.Key] = &fileEntry{
			key:        hdr.Key,
			size:       size,
			storedAt:   hdr.StoredAt,
			compressed: hdr.Compressed,
		}
		s.currSize += size
	}
	return nil
}

// Put implements Store.
func (s *FileStore) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return apperrors.New(apperrors.ErrInvalid, "cache key must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data := value
	compressed := false
	if len(data) > compressThreshold {
		if compData, err := compress(data); err == nil && len(compData) < len(data) {
			data = compData
			compressed = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var oldSize int64
	if old, ok := s.entries[key]; ok {
		oldSize = old.size
	}
	newSize := s.currSize - oldSize + int64(len(data))
	if s.opts.maxBytes > 0 && newSize > s.opts.maxBytes {
		return apperrors.Wrap(apperrors.ErrCacheQuotaExceeded,
			fmt.Sprintf("storing %d bytes under %q exceeds the %d byte budget", len(data), key, s.opts.maxBytes), nil)
	}

	hdr := fileHeader{Key: key, StoredAt: s.opts.now().UnixMilli(), Compressed: compressed}
	if err := s.writeFile(hdr, data); err != nil {
		return err
	}

	s.entries[key] = &fileEntry{key: key, size: int64(len(data)), storedAt: hdr.StoredAt, compressed: compressed}
	s.currSize = newSize
	return nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}

	data, err := s.readPayload(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCacheCorrupted, fmt.Sprintf("read %q", key), err)
	}
	if entry.compressed {
		if data, err = decompress(data); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCacheCorrupted, fmt.Sprintf("decompress %q", key), err)
		}
	}

	return &models.CacheEntry{Key: key, Value: data, StoredAt: entry.storedAt}, nil
}

// DeleteByKeyPrefix implements Store.
func (s *FileStore) DeleteByKeyPrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, apperrors.New(apperrors.ErrInvalid, "invalidation prefix must not be empty")
	}
	return s.deleteWhere(ctx, func(e *fileEntry) bool {
		return strings.HasPrefix(e.key, prefix)
	})
}

// SweepOlderThan implements Store.
func (s *FileStore) SweepOlderThan(ctx context.Context, maxAge time.Duration, exempt ...string) (int, error) {
	cutoff := s.opts.now().Add(-maxAge).UnixMilli()
	n, err := s.deleteWhere(ctx, func(e *fileEntry) bool {
		return e.storedAt < cutoff && !hasAnyPrefix(e.key, exempt)
	})
	if n > 0 {
		s.log.Debug("Swept stale cache entries", map[string]interface{}{
			"removed": n,
			"max_age": maxAge.String(),
		})
	}
	return n, err
}

// Keys implements Store.
func (s *FileStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear implements Store.
func (s *FileStore) Clear(ctx context.Context) (int, error) {
	return s.deleteWhere(ctx, func(*fileEntry) bool { return true })
}

// Size implements Store.
func (s *FileStore) Size(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currSize, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) deleteWhere(ctx context.Context, match func(*fileEntry) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if !match(e) {
			continue
		}
		if err := os.Remove(s.filePath(key)); err != nil && !os.IsNotExist(err) {
			return removed, apperrors.Wrap(apperrors.ErrCacheWrite, fmt.Sprintf("delete %q", key), err)
		}
		delete(s.entries, key)
		s.currSize -= e.size
		removed++
	}
	if removed > 0 {
		if err := syncDir(s.baseDir); err != nil {
			return removed, apperrors.Wrap(apperrors.ErrCacheWrite, "sync cache directory", err)
		}
	}
	return removed, nil
}

func (s *FileStore) fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + entryExt
}

func (s *FileStore) filePath(key string) string {
	return filepath.Join(s.baseDir, s.fileName(key))
}

func (s *FileStore) writeFile(hdr fileHeader, data []byte) error {
	line, err := json.Marshal(hdr)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCacheWrite, "encode entry header", err)
	}

	tmp, err := os.CreateTemp(s.baseDir, "put-*.tmp")
	if err != nil {
		return s.writeError(hdr.Key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	w.Write(line)
	w.WriteByte('\n')
	w.Write(data)
	if err := w.Flush(); err != nil {
		tmp.Close()
		return s.writeError(hdr.Key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return s.writeError(hdr.Key, err)
	}
	if err := tmp.Close(); err != nil {
		return s.writeError(hdr.Key, err)
	}

	if err := os.Rename(tmpName, s.filePath(hdr.Key)); err != nil {
		return s.writeError(hdr.Key, err)
	}
	if err := syncDir(s.baseDir); err != nil {
		return s.writeError(hdr.Key, err)
	}
	return nil
}

func (s *FileStore) writeError(key string, err error) error {
	if isNoSpace(err) {
		return apperrors.Wrap(apperrors.ErrCacheQuotaExceeded, fmt.Sprintf("store %q", key), err)
	}
	return apperrors.Wrap(apperrors.ErrCacheWrite, fmt.Sprintf("store %q", key), err)
}

func (s *FileStore) readPayload(key string) ([]byte, error) {
	f, err := os.Open(s.filePath(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if _, err := r.ReadBytes('\n'); err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// readHeader returns the header of an entry file and its payload size.
func readHeader(path string) (fileHeader, int64, error) {
	var hdr fileHeader

	f, err := os.Open(path)
	if err != nil {
		return hdr, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return hdr, 0, err
	}

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		return hdr, 0, err
	}
	if err := json.Unmarshal(line, &hdr); err != nil {
		return hdr, 0, err
	}
	if hdr.Key == "" {
		return hdr, 0, fmt.Errorf("entry header without key")
	}
	return hdr, info.Size() - int64(len(line)), nil
}

// syncDir flushes directory metadata so a rename or unlink is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !isUnsupportedSync(err) {
		return err
	}
	return nil
}

// compress gzips data.
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)

	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompress reverses compress.
func decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	return io.ReadAll(gz)
}
