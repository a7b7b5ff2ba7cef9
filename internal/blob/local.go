package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tomhaitao/LibreCrawl/internal/crawl"
)

// Local writes blobs to files under a base directory.
type Local struct {
	baseDir string
}

// NewLocal creates a filesystem-backed store rooted at baseDir, creating the
// directory if needed.
func NewLocal(baseDir string) (*Local, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	return &Local{baseDir: baseDir}, nil
}

// resolve joins objectName under baseDir and rejects path traversal.
func (l *Local) resolve(objectName string) (string, error) {
	if strings.TrimSpace(objectName) == "" {
		return "", fmt.Errorf("object name is required")
	}
	full := filepath.Clean(filepath.Join(l.baseDir, objectName))
	base := filepath.Clean(l.baseDir)
	if !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}

// Save writes data to a file under the base directory.
func (l *Local) Save(_ context.Context, objectName string, data []byte) error {
	path, err := l.resolve(objectName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write object %s: %w", objectName, err)
	}
	return nil
}

// Load reads a previously saved file.
func (l *Local) Load(_ context.Context, objectName string) ([]byte, error) {
	path, err := l.resolve(objectName)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("object %s: %w", objectName, crawl.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", objectName, err)
	}
	return data, nil
}

// Delete removes the file; deleting an absent object is a no-op.
func (l *Local) Delete(_ context.Context, objectName string) error {
	path, err := l.resolve(objectName)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object %s: %w", objectName, err)
	}
	return nil
}
