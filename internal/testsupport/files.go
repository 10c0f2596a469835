package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteFile writes data to path, creating parent directories.
func WriteFile(t testing.TB, path string, data []byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// SeedCatalog populates a "dir" catalog root with one file per name under
// the given label and returns the catalog keys (label/name).
func SeedCatalog(t testing.TB, root, label string, files map[string][]byte) []string {
	t.Helper()

	keys := make([]string, 0, len(files))
	for name, data := range files {
		WriteFile(t, filepath.Join(root, label, name), data)
		keys = append(keys, label+"/"+name)
	}
	return keys
}
