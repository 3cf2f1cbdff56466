package imagelib

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrUnknownImage means the requested name is not in the library.
var ErrUnknownImage = errors.New("unknown library image")

// Library resolves named sample images from a directory so callers can
// run scripts against known inputs without uploading anything.
type Library struct {
	dir string
}

// NewLibrary opens the library rooted at dir.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// Resolve maps a library image name to its host path. Names are bare
// file names; anything resembling a path is rejected.
func (l *Library) Resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid library image name %q", name)
	}
	path := filepath.Join(l.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrUnknownImage, name)
		}
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrUnknownImage, name)
	}
	return path, nil
}

// List returns the available image names, sorted.
func (l *Library) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
