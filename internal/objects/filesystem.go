package objects

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FilesystemObjectStore keeps artifacts as plain files under a base
// directory. The retention sweeper can reclaim them with a recursive
// delete of the job prefix.
type FilesystemObjectStore struct {
	basePath string
}

// NewFilesystemObjectStore creates a filesystem-backed store rooted at
// basePath.
func NewFilesystemObjectStore(basePath string) *FilesystemObjectStore {
	return &FilesystemObjectStore{
		basePath: basePath,
	}
}

// Put stores an object as a file under the base directory
func (f *FilesystemObjectStore) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	if err := f.validateKey(key); err != nil {
		return err
	}

	fullPath := filepath.Join(f.basePath, key)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return err
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = io.Copy(file, data)
	return err
}

// Get opens an object for reading
func (f *FilesystemObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := f.validateKey(key); err != nil {
		return nil, err
	}

	file, err := os.Open(filepath.Join(f.basePath, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

// GetURL returns a file:// URL. Not a pre-signed URL, but enough for
// local tooling to locate the artifact.
func (f *FilesystemObjectStore) GetURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if err := f.validateKey(key); err != nil {
		return "", err
	}

	fullPath := filepath.Join(f.basePath, key)
	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}

	return "file://" + filepath.ToSlash(fullPath), nil
}

// Delete removes an object
func (f *FilesystemObjectStore) Delete(ctx context.Context, key string) error {
	if err := f.validateKey(key); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(f.basePath, key))
	if err != nil && os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// Exists checks whether an object file is present
func (f *FilesystemObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := f.validateKey(key); err != nil {
		return false, err
	}

	_, err := os.Stat(filepath.Join(f.basePath, key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List walks the base directory and returns everything under prefix
func (f *FilesystemObjectStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	baseSearchPath := filepath.Join(f.basePath, filepath.Dir(prefix))

	err := filepath.Walk(baseSearchPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(f.basePath, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)

		if strings.HasPrefix(relPath, prefix) {
			objects = append(objects, ObjectInfo{
				Key:          relPath,
				Size:         info.Size(),
				LastModified: info.ModTime(),
				ContentType:  GuessContentType(relPath),
			})
		}
		return nil
	})

	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return objects, nil
}

// validateKey rejects keys that could escape the base directory
func (f *FilesystemObjectStore) validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	return nil
}

// GuessContentType maps a key's extension to a MIME type. Harvested
// artifacts are mostly images plus the occasional table or log dump.
func GuessContentType(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".bmp":
		return "image/bmp"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".txt", ".log":
		return "text/plain"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".html":
		return "text/html"
	case ".zip":
		return "application/zip"
	case ".gz":
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}
