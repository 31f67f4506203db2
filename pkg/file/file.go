package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"mime"
	"path"
	"strings"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// Metadata is attached to an object when it is stored.
// Attributes become user metadata on S3 and a sidecar file on the local store.
type Metadata struct {
	ContentType string
	Attributes  map[string]string
}

// BlobStore is the object storage used by job processors.
// Keys are slash separated and relative to the store root.
type BlobStore interface {
	// Put stores body under key, replacing any existing object.
	Put(ctx context.Context, key string, body io.Reader, meta Metadata) (*ObjectInfo, error)
	// Open returns a reader for the object. The caller closes it.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns every object whose key starts with prefix, recursively.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Delete removes a single object. Missing objects return ErrFileNotFound.
	Delete(ctx context.Context, key string) error
}

// CleanKey normalizes an object key and rejects keys escaping the store root.
//
// Example:
//
//	key, err := file.CleanKey("/backups//db/dump.sql.gz") // "backups/db/dump.sql.gz"
func CleanKey(key string) (string, error) {
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "/")
	if key == "" || strings.ContainsRune(key, '\x00') {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for segment := range strings.SplitSeq(key, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return path.Clean(key), nil
}

// ContentType guesses a MIME type from the key extension.
// Unknown extensions get application/octet-stream.
func ContentType(key string) string {
	switch ext := strings.ToLower(path.Ext(key)); ext {
	case ".gz":
		return "application/gzip"
	case ".sql":
		return "application/sql"
	case "":
		return "application/octet-stream"
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
		return "application/octet-stream"
	}
}

// Hash returns the hex digest of r, SHA256 when h is nil.
func Hash(r io.Reader, h hash.Hash) (string, error) {
	if h == nil {
		h = sha256.New()
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFailedToHashFile, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SanitizeFilename strips path components and NUL bytes from a client supplied name.
// Returns "unnamed" for empty or special directory references.
func SanitizeFilename(filename string) string {
	filename = strings.ReplaceAll(filename, "\\", "/")
	filename = path.Base(filename)
	filename = strings.ReplaceAll(filename, "\x00", "")

	if filename == "." || filename == ".." || filename == "" || filename == "/" {
		filename = "unnamed"
	}

	return filename
}

// countingReader counts bytes read and aborts once ctx is done
type countingReader struct {
	ctx context.Context
	r   io.Reader
	n   int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
