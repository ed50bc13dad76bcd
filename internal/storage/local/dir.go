// Package local manages the on-disk temp area where frame extraction and
// animation assembly leave their artifacts.
package local

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the location of the temp area.
type Config struct {
	// BaseDir is the root directory holding temporary artifacts.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Dir is a validated, writable temp root.
type Dir struct {
	base string
}

// Open validates cfg.BaseDir, creating it when missing, and checks that it is
// writable.
func Open(cfg Config) (*Dir, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	base, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	info, err := os.Stat(base)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(base, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe := filepath.Join(base, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}
	return &Dir{base: filepath.Clean(base)}, nil
}

// Path returns the absolute root.
func (d *Dir) Path() string {
	return d.base
}

// Resolve maps p onto an absolute path strictly inside the root. Relative
// paths are joined to the root; absolute paths must already lie beneath it.
func (d *Dir) Resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is required")
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(d.base, full)
	}
	full = filepath.Clean(full)
	if !strings.HasPrefix(full, d.base+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %s", p)
	}
	return full, nil
}
