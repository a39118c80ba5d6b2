package backup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Collector gathers the restorable state of one system as relative path
// to content. The deploy executor captures through it before any apply.
type Collector interface {
	Collect(ctx context.Context, systemID string) (map[string][]byte, error)
}

// DirCollector reads each system's state from a directory tree under
// Root/<systemID>. Symlinks are not followed.
type DirCollector struct {
	Root string
}

func NewDirCollector(root string) *DirCollector {
	return &DirCollector{Root: root}
}

func (c *DirCollector) Collect(ctx context.Context, systemID string) (map[string][]byte, error) {
	base := filepath.Join(c.Root, systemID)
	info, err := os.Stat(base)
	if err != nil {
		return nil, fmt.Errorf("system state root %s: %w", base, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("system state root %s is not a directory", base)
	}
	files := map[string][]byte{}
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect %s: %w", systemID, err)
	}
	return files, nil
}

// FuncCollector adapts a function to the Collector interface.
type FuncCollector func(ctx context.Context, systemID string) (map[string][]byte, error)

func (f FuncCollector) Collect(ctx context.Context, systemID string) (map[string][]byte, error) {
	return f(ctx, systemID)
}
