// Package fsys is the file-system surface used by the transaction log and
// recovery code.
//
// Every component that touches segment files goes through an FS value instead
// of the os package, so the same code runs against the real disk (NewOS), an
// ephemeral in-memory file system (NewMem) or a fault-injecting wrapper
// (NewFaulty) in tests.
package fsys

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/afero"
)

// FS is the byte-addressable file system the log depends on: open, read,
// write, seek, close, rename and remove.
type FS = afero.Fs

// File is an open file handle returned by FS.
type File = afero.File

// NewOS returns an FS backed by the operating system.
func NewOS() FS {
	return afero.NewOsFs()
}

// NewMem returns an empty ephemeral FS. Nothing written to it survives the
// process, which makes it the default double for recovery tests.
func NewMem() FS {
	return afero.NewMemMapFs()
}

// Exists reports whether path exists on fs.
func Exists(fs FS, path string) (bool, error) {
	return afero.Exists(fs, path)
}

// ReadDirNames returns the sorted names of the entries in dir.
func ReadDirNames(fs FS, dir string) ([]string, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ReadFile reads the whole file at path.
func ReadFile(fs FS, path string) ([]byte, error) {
	return afero.ReadFile(fs, path)
}

// Copy copies src to dst, replacing dst if it exists, and fsyncs the copy.
func Copy(fs FS, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return fmt.Errorf("fsys: failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("fsys: failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("fsys: failed to copy %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("fsys: failed to sync %s: %w", dst, err)
	}
	return out.Close()
}

// WriteAt opens path read-write, writes b at offset and fsyncs.
func WriteAt(fs FS, path string, b []byte, offset int64) error {
	f, err := fs.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("fsys: failed to open %s: %w", path, err)
	}
	if _, err := f.WriteAt(b, offset); err != nil {
		f.Close()
		return fmt.Errorf("fsys: failed to write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsys: failed to sync %s: %w", path, err)
	}
	return f.Close()
}
