// Package backend implements the backend init/remove lifecycle (§12):
// ensuring the process's storage roots exist and are writable before the
// server starts serving traffic. Grounded on
// original_source/duckdb-api-service/src/routers/backend.py.
package backend

import (
	"fmt"
	"os"
	"path/filepath"
)

// Roots is the set of storage directories the backend depends on.
type Roots struct {
	DataDir      string
	SnapshotsDir string
	FilesDir     string
}

// InitResult reports what Init did to each storage root.
type InitResult struct {
	Created []string          `json:"created,omitempty"`
	Paths   map[string]string `json:"storage_paths"`
}

// Init creates every configured storage root that doesn't already exist
// and verifies each is writable, mirroring the original service's
// init_backend endpoint. It is idempotent: calling it again against
// already-initialized roots succeeds with an empty Created list.
func Init(r Roots) (*InitResult, error) {
	named := map[string]string{
		"data_dir":      r.DataDir,
		"snapshots_dir": r.SnapshotsDir,
		"files_dir":     r.FilesDir,
	}

	result := &InitResult{Paths: named}
	for name, path := range named {
		if path == "" {
			return nil, fmt.Errorf("backend: %s is not configured", name)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return nil, fmt.Errorf("backend: create %s: %w", name, err)
			}
			result.Created = append(result.Created, path)
		}
		if err := checkWritable(path); err != nil {
			return nil, fmt.Errorf("backend: %s not writable: %w", name, err)
		}
	}
	return result, nil
}

// Remove is an intentional no-op: cleanup of storage roots is a
// lifecycle decision made above this package, not something a single
// request should trigger.
func Remove() {}

func checkWritable(dir string) error {
	probe := filepath.Join(dir, ".write_test")
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}
