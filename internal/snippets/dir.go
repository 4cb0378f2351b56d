package snippets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirStore writes snippets into a local directory, typically the
// cluster's snippet storage mounted on this host.
type DirStore struct {
	dir string
}

// NewDirStore creates the directory if needed and returns a store
// writing into it.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snippet directory: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

func (s *DirStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(s.dir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write snippet %s: %w", name, err)
	}
	return nil
}
