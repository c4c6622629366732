//go:build !windows

package fsys

import "fmt"

// SyncDir fsyncs a directory so that file creation and renames inside it
// survive a crash. Without it a freshly created segment can lose its
// directory entry even though the file contents were synced.
func SyncDir(fs FS, dir string) error {
	d, err := fs.Open(dir)
	if err != nil {
		return fmt.Errorf("fsys: failed to open directory for sync: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsys: failed to sync directory: %w", err)
	}
	return nil
}
