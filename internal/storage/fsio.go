package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// trashPrefix marks collection directories that are being deleted.
// Deletion renames the directory under this prefix first, so a crash
// leaves either a fully live or a fully dead collection; leftovers are
// swept on the next startup.
const trashPrefix = ".trash-"

// writeFileAtomic writes data to path through a temp file in the same
// directory and a rename, so readers never observe a partial write.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// removeDirAtomic makes directory removal crash-safe with the
// rename-then-delete dance.
func removeDirAtomic(dir string) error {
	trash := filepath.Join(filepath.Dir(dir), trashPrefix+filepath.Base(dir))
	if err := os.Rename(dir, trash); err != nil {
		return err
	}
	return os.RemoveAll(trash)
}

// sweepTrash removes directories a crashed deletion left behind.
func sweepTrash(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), trashPrefix) {
			if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
				return fmt.Errorf("sweeping %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}
