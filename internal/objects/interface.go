package objects

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrNotFound     = errors.New("object not found")
	ErrNotSupported = errors.New("operation not supported")
	ErrInvalidKey   = errors.New("invalid object key")
)

// ObjectStore abstracts where harvested job artifacts live. The
// filesystem store backs single-node deployments, s3 backs shared
// ones, memory backs tests.
type ObjectStore interface {
	// Put stores an object under key
	Put(ctx context.Context, key string, data io.Reader, contentType string) error

	// Get retrieves an object
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns a pre-signed URL for the object where the backend
	// supports it
	GetURL(ctx context.Context, key string, expires time.Duration) (string, error)

	// Delete removes an object
	Delete(ctx context.Context, key string) error

	// Exists checks whether key is present
	Exists(ctx context.Context, key string) (bool, error)

	// List returns objects under prefix
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ObjectInfo is object metadata as returned by List.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ContentType  string    `json:"content_type"`
}

// Config selects and parameterizes an object store implementation.
type Config struct {
	Type   string            `json:"type"` // "s3", "filesystem", "memory"
	Config map[string]string `json:"config"`
}

// ArtifactKey is the canonical store key for one harvested output file.
func ArtifactKey(jobID, relPath string) string {
	return "outputs/" + jobID + "/" + relPath
}

// JobPrefix is the store prefix covering every artifact of one job.
func JobPrefix(jobID string) string {
	return "outputs/" + jobID + "/"
}

// New creates an object store from config.
func New(config Config) (ObjectStore, error) {
	switch config.Type {
	case "filesystem":
		basePath := config.Config["base_path"]
		if basePath == "" {
			basePath = "./objects"
		}
		return NewFilesystemObjectStore(basePath), nil
	case "memory":
		return NewMemoryObjectStore(), nil
	case "s3":
		bucket := config.Config["bucket"]
		if bucket == "" {
			return nil, errors.New("s3 object store requires a bucket")
		}
		return NewS3ObjectStoreFromEnv(bucket, config.Config["prefix"])
	default:
		return nil, errors.New("unsupported object store type: " + config.Type)
	}
}
