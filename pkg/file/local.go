package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// metaDir holds metadata sidecars below the store root; List never reports it
const metaDir = ".meta"

// LocalStore implements BlobStore on the local filesystem.
// All operations are confined to baseDir.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a store rooted at baseDir, creating the directory if needed.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if baseDir == "" {
		return nil, ErrInvalidConfig
	}

	absBaseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToGetAbsolutePath, err)
	}
	if err := os.MkdirAll(absBaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToCreateDirectory, err)
	}

	return &LocalStore{baseDir: absBaseDir}, nil
}

// Put writes body to a temporary file and renames it into place,
// so readers never observe a partial object.
func (s *LocalStore) Put(ctx context.Context, key string, body io.Reader, meta Metadata) (*ObjectInfo, error) {
	key, absPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToCreateDirectory, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(absPath), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToWriteFile, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	src := &countingReader{ctx: ctx, r: body}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrFailedToWriteFile, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToWriteFile, err)
	}
	if err := os.Rename(tmp.Name(), absPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToWriteFile, err)
	}

	if meta.ContentType == "" {
		meta.ContentType = ContentType(key)
	}
	if err := s.writeMeta(key, meta); err != nil {
		return nil, err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToWriteFile, err)
	}

	return &ObjectInfo{
		Key:          key,
		Size:         src.n,
		ContentType:  meta.ContentType,
		LastModified: info.ModTime(),
		Metadata:     meta.Attributes,
	}, nil
}

// Open returns the object's content.
func (s *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, absPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, key)
		}
		return nil, fmt.Errorf("%w: %v", ErrFailedToOpenFile, err)
	}
	return f, nil
}

// List walks the store and returns objects under prefix ordered by key.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	prefix = strings.TrimPrefix(strings.ReplaceAll(prefix, "\\", "/"), "/")
	if strings.Contains(prefix, "..") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, prefix)
	}

	var objects []ObjectInfo
	err := filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if d.Name() == metaDir && filepath.Dir(p) == s.baseDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}

		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// Removed while walking
			return nil
		}
		meta := s.readMeta(key)
		objects = append(objects, ObjectInfo{
			Key:          key,
			Size:         info.Size(),
			ContentType:  meta.ContentType,
			LastModified: info.ModTime(),
			Metadata:     meta.Attributes,
		})
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrFailedToReadDirectory, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Delete removes the object and its metadata.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, absPath, err := s.resolve(key)
	if err != nil {
		return err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, key)
		}
		return fmt.Errorf("%w: %v", ErrFailedToDeleteFile, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidKey, key)
	}

	if err := os.Remove(absPath); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToDeleteFile, err)
	}
	_ = os.Remove(s.metaPath(key))
	return nil
}

// resolve validates key and maps it inside baseDir
func (s *LocalStore) resolve(key string) (string, string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", "", err
	}
	if key == metaDir || strings.HasPrefix(key, metaDir+"/") {
		return "", "", fmt.Errorf("%w: %q is reserved", ErrInvalidKey, key)
	}

	absPath := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if !strings.HasPrefix(absPath, s.baseDir+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return key, absPath, nil
}

func (s *LocalStore) metaPath(key string) string {
	return filepath.Join(s.baseDir, metaDir, filepath.FromSlash(key)+".json")
}

func (s *LocalStore) writeMeta(key string, meta Metadata) error {
	p := s.metaPath(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToCreateDirectory, err)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToWriteFile, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToWriteFile, err)
	}
	return nil
}

// readMeta falls back to a guessed content type for files written outside the store
func (s *LocalStore) readMeta(key string) Metadata {
	var meta Metadata
	if data, err := os.ReadFile(s.metaPath(key)); err == nil {
		_ = json.Unmarshal(data, &meta)
	}
	if meta.ContentType == "" {
		meta.ContentType = ContentType(key)
	}
	return meta
}
