// Package sendfile serves static files from a document root.
package sendfile

import (
	"container/list"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/searchktools/proactor/core/http"
)

// Limits for the in-memory file cache
const (
	DefaultCacheFiles   = 1000
	MaxCachedFileSize   = 1 << 20
	defaultIndex        = "/index.html"
	fallbackContentType = "text/plain"
)

var ErrInvalidPath = errors.New("invalid path")

// FileCache keeps recently served file contents in LRU order. An entry is
// reused only while the file's size and modification time are unchanged.
type FileCache struct {
	mu       sync.Mutex
	cache    map[string]*cacheEntry
	lruList  *list.List
	maxFiles int

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	data    []byte
	size    int64
	modTime time.Time
	element *list.Element
}

// NewFileCache creates a new file cache. maxFiles <= 0 disables caching.
func NewFileCache(maxFiles int) *FileCache {
	return &FileCache{
		cache:    make(map[string]*cacheEntry),
		lruList:  list.New(),
		maxFiles: maxFiles,
	}
}

// Read returns the contents of path, from the cache when still current
func (fc *FileCache) Read(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}

	fc.mu.Lock()
	if entry, ok := fc.cache[path]; ok {
		if entry.size == info.Size() && entry.modTime.Equal(info.ModTime()) {
			fc.lruList.MoveToFront(entry.element)
			fc.hits++
			fc.mu.Unlock()
			return entry.data, nil
		}
		fc.removeLocked(path, entry)
	}
	fc.misses++
	fc.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if fc.maxFiles <= 0 || len(data) > MaxCachedFileSize {
		return data, nil
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if old, ok := fc.cache[path]; ok {
		fc.removeLocked(path, old)
	}
	fc.cache[path] = &cacheEntry{
		data:    data,
		size:    info.Size(),
		modTime: info.ModTime(),
		element: fc.lruList.PushFront(path),
	}

	// Evict oldest if over limit
	for fc.lruList.Len() > fc.maxFiles {
		oldest := fc.lruList.Back()
		oldPath := oldest.Value.(string)
		fc.removeLocked(oldPath, fc.cache[oldPath])
	}

	return data, nil
}

func (fc *FileCache) removeLocked(path string, entry *cacheEntry) {
	fc.lruList.Remove(entry.element)
	delete(fc.cache, path)
}

// Len returns the number of cached files
func (fc *FileCache) Len() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.cache)
}

// Stats returns hit and miss counts
func (fc *FileCache) Stats() (hits, misses uint64) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.hits, fc.misses
}

// Clear drops every cached file
func (fc *FileCache) Clear() {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	fc.cache = make(map[string]*cacheEntry)
	fc.lruList.Init()
}

// FileServer answers GET requests with files below root
type FileServer struct {
	root  string
	cache *FileCache
}

// NewFileServer serves files from root through cache. A nil cache reads
// every file from disk.
func NewFileServer(root string, cache *FileCache) *FileServer {
	if cache == nil {
		cache = NewFileCache(0)
	}
	return &FileServer{root: root, cache: cache}
}

// Root returns the document root
func (fs *FileServer) Root() string {
	return fs.root
}

// Resolve maps a request path to a file below the root. "/" maps to
// /index.html and any path containing ".." is rejected.
func (fs *FileServer) Resolve(urlPath string) (string, error) {
	if urlPath == "/" {
		urlPath = defaultIndex
	}
	if strings.Contains(urlPath, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, urlPath)
	}
	return filepath.Join(fs.root, filepath.FromSlash(strings.TrimPrefix(urlPath, "/"))), nil
}

// Serve implements http.Handler
func (fs *FileServer) Serve(req *http.Request) *http.Response {
	name, err := fs.Resolve(req.Path())
	if err != nil {
		return http.Text(http.StatusBadRequest, "Invalid path")
	}

	data, err := fs.cache.Read(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return http.Text(http.StatusNotFound, "File not found")
		}
		return http.Text(http.StatusInternalServerError, "Internal Server Error")
	}
	return http.Bytes(http.StatusOK, GetContentType(name), data)
}

// GetContentType returns MIME type based on file extension
func GetContentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".html", ".htm":
		return "text/html"
	case ".css":
		return "text/css"
	case ".js":
		return "application/javascript"
	case ".json":
		return "application/json"
	case ".xml":
		return "application/xml"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".ico":
		return "image/x-icon"
	case ".pdf":
		return "application/pdf"
	case ".zip":
		return "application/zip"
	case ".gz":
		return "application/gzip"
	default:
		return fallbackContentType
	}
}
