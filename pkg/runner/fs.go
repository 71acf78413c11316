package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSReader reads resources as files under Root.
type FSReader struct {
	Root string
	// MaxBytes caps a single read; zero means 8 MiB.
	MaxBytes int64
}

// Read returns the content of resource. Paths escaping Root are refused.
// A missing file returns an error satisfying errors.Is(err, os.ErrNotExist).
func (r *FSReader) Read(ctx context.Context, resource string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(r.Root)
	if err != nil {
		return nil, err
	}
	p := filepath.Join(root, filepath.FromSlash(resource))
	if rel, err := filepath.Rel(root, p); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("resource %q escapes root", resource)
	}
	limit := r.MaxBytes
	if limit <= 0 {
		limit = 8 << 20
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("resource %q is a directory", resource)
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("resource %q exceeds %d bytes", resource, limit)
	}
	return os.ReadFile(p) //nolint:gosec // confined to root above
}
