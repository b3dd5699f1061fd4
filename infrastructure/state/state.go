// Package state provides the shared file-persistence primitives for the
// control plane's stores: whole-file atomic replace plus JSON save/load.
// Every persisted store (approvals, schedules, presets, pack registry,
// idempotency) writes through here, so the atomic-replace discipline lives
// in exactly one place.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWriteFile replaces path's contents in one step: the data is
// written to a temp file in the destination directory, then renamed over
// the target, so a concurrent loader never observes a partial write. The
// destination directory is created if missing.
func AtomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}

// SaveJSON marshals v (indented, so state files stay diffable) and
// atomically replaces path with the result.
func SaveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return AtomicWriteFile(path, data)
}

// LoadJSON reads path into v. A missing file is not an error — it is the
// first run of a fresh state directory — and reports found=false.
func LoadJSON(path string, v interface{}) (found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}
