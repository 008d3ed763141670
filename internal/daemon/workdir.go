package daemon

import (
	"fmt"
	"os"
	"path/filepath"
)

// WorkerDirectoryProvider hands out a private working directory per daemon.
type WorkerDirectoryProvider struct {
	base string
}

// NewWorkerDirectoryProvider creates a provider rooted at base. An empty
// base selects a directory under the system temp dir.
func NewWorkerDirectoryProvider(base string) *WorkerDirectoryProvider {
	if base == "" {
		base = filepath.Join(os.TempDir(), "anvil-workers")
	}
	return &WorkerDirectoryProvider{base: base}
}

// Base returns the root directory.
func (p *WorkerDirectoryProvider) Base() string {
	return p.base
}

// Dir creates and returns the directory for workerID.
func (p *WorkerDirectoryProvider) Dir(workerID string) (string, error) {
	if workerID == "" || filepath.Base(workerID) != workerID {
		return "", fmt.Errorf("invalid worker id %q", workerID)
	}
	dir := filepath.Join(p.base, workerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create worker directory: %w", err)
	}
	return dir, nil
}

// Remove deletes the directory for workerID.
func (p *WorkerDirectoryProvider) Remove(workerID string) error {
	if workerID == "" || filepath.Base(workerID) != workerID {
		return fmt.Errorf("invalid worker id %q", workerID)
	}
	return os.RemoveAll(filepath.Join(p.base, workerID))
}
