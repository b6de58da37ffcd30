package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultDataDir = "data"
)

// CheckExists verifies if the database exists at the given path.
// Returns true if the database exists, false otherwise.
func CheckExists(dbPath string, wantDir bool) (bool, error) {
	info, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check store existence: %w", err)
	}
	if info.IsDir() != wantDir {
		if wantDir {
			return false, fmt.Errorf("datastore path is a file, expected directory: %s", dbPath)
		}
		return false, fmt.Errorf("datastore path is a directory, expected file: %s", dbPath)
	}
	return true, nil
}

// GetDBPath returns the full path to the database named name.
func GetDBPath(dataDir string, name string, d Driver) string {
	return filepath.Join(dataDir, name+d.Ext)
}

// ListDatabases returns the names of the databases in dataDir that were
// created with driver d.
func ListDatabases(dataDir string, d Driver) ([]string, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() != d.Dir || !strings.HasSuffix(e.Name(), d.Ext) {
			continue
		}
		if name := strings.TrimSuffix(e.Name(), d.Ext); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// Destroy removes the database at dbPath along with any sidecar files.
func Destroy(dbPath string) error {
	if err := os.RemoveAll(dbPath); err != nil {
		return fmt.Errorf("failed to remove database: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove database: %w", err)
		}
	}
	return nil
}

// PrefixEnd returns the smallest key greater than every key that starts with
// prefix, or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
