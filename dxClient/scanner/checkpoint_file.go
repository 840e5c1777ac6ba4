package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// CheckpointFile persists the last fully synced block as plain text. The
// stored value never decreases.
type CheckpointFile struct {
	mu   sync.Mutex
	path string
}

// NewCheckpointFile returns a marker stored at path.
func NewCheckpointFile(path string) *CheckpointFile {
	return &CheckpointFile{path: path}
}

// Path returns the marker location.
func (f *CheckpointFile) Path() string {
	return f.path
}

// Load returns the stored block number. ok is false when no marker exists.
func (f *CheckpointFile) Load() (block uint64, ok bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *CheckpointFile) load() (uint64, bool, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt checkpoint file %s: %w", f.path, err)
	}
	return n, true, nil
}

// Save records block unless a higher block is already stored. The write goes
// through a temporary file renamed over the marker.
func (f *CheckpointFile) Save(block uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, ok, err := f.load()
	if err != nil {
		return err
	}
	if ok && current >= block {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strconv.FormatUint(block, 10)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}
