package fsys

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Fault names a disruption that a Faulty file system can inject.
type Fault string

const (
	// TruncatedWrite makes a matching Write or WriteAt persist only the first
	// half of the buffer and then fail, leaving a torn record on disk.
	TruncatedWrite Fault = "TruncatedWrite"
	// SyncFailure makes Sync on a matching file fail.
	SyncFailure Fault = "SyncFailure"
	// RenameFailure makes Rename fail when either path matches.
	RenameFailure Fault = "RenameFailure"
	// OpenFailure makes Open, OpenFile and Create fail for matching paths.
	OpenFailure Fault = "OpenFailure"
)

// ErrInjected is returned by every operation a Faulty file system disrupts.
var ErrInjected = errors.New("fsys: injected fault")

// Faulty wraps an FS and disrupts selected operations. Faults are armed with
// a path fragment; an operation is disrupted when its path contains the
// fragment. An empty fragment matches every path.
type Faulty struct {
	FS

	mu    sync.Mutex
	armed map[Fault]armedFault
}

type armedFault struct {
	match     string
	remaining int // <0: unlimited
}

// NewFaulty wraps base. No faults are armed initially.
func NewFaulty(base FS) *Faulty {
	return &Faulty{
		FS:    base,
		armed: make(map[Fault]armedFault),
	}
}

// Arm enables fault for every path containing match until Disarm is called.
func (f *Faulty) Arm(fault Fault, match string) {
	f.ArmN(fault, match, -1)
}

// ArmN enables fault for the next n matching operations.
func (f *Faulty) ArmN(fault Fault, match string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[fault] = armedFault{match: match, remaining: n}
}

// Disarm disables fault.
func (f *Faulty) Disarm(fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.armed, fault)
}

// disrupt reports whether the operation named by fault should fail for path,
// consuming one use of a counted fault.
func (f *Faulty) disrupt(fault Fault, paths ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.armed[fault]
	if !ok {
		return false
	}
	for _, p := range paths {
		if a.match == "" || strings.Contains(p, a.match) {
			if a.remaining > 0 {
				a.remaining--
				if a.remaining == 0 {
					delete(f.armed, fault)
				} else {
					f.armed[fault] = a
				}
			}
			return true
		}
	}
	return false
}

func (f *Faulty) Create(name string) (File, error) {
	if f.disrupt(OpenFailure, name) {
		return nil, fmt.Errorf("create %s: %w", name, ErrInjected)
	}
	file, err := f.FS.Create(name)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f}, nil
}

func (f *Faulty) Open(name string) (File, error) {
	if f.disrupt(OpenFailure, name) {
		return nil, fmt.Errorf("open %s: %w", name, ErrInjected)
	}
	file, err := f.FS.Open(name)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f}, nil
}

func (f *Faulty) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	if f.disrupt(OpenFailure, name) {
		return nil, fmt.Errorf("open %s: %w", name, ErrInjected)
	}
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f}, nil
}

func (f *Faulty) Rename(oldname, newname string) error {
	if f.disrupt(RenameFailure, oldname, newname) {
		return fmt.Errorf("rename %s: %w", oldname, ErrInjected)
	}
	return f.FS.Rename(oldname, newname)
}

// faultyFile routes writes and syncs through the owning Faulty.
type faultyFile struct {
	File
	fs *Faulty
}

func (f *faultyFile) Write(b []byte) (int, error) {
	if f.fs.disrupt(TruncatedWrite, f.Name()) {
		n, err := f.File.Write(b[:len(b)/2])
		if err != nil {
			return n, err
		}
		return n, fmt.Errorf("write %s: %w: %w", f.Name(), io.ErrShortWrite, ErrInjected)
	}
	return f.File.Write(b)
}

func (f *faultyFile) WriteAt(b []byte, off int64) (int, error) {
	if f.fs.disrupt(TruncatedWrite, f.Name()) {
		n, err := f.File.WriteAt(b[:len(b)/2], off)
		if err != nil {
			return n, err
		}
		return n, fmt.Errorf("write %s: %w: %w", f.Name(), io.ErrShortWrite, ErrInjected)
	}
	return f.File.WriteAt(b, off)
}

func (f *faultyFile) Sync() error {
	if f.fs.disrupt(SyncFailure, f.Name()) {
		return fmt.Errorf("sync %s: %w", f.Name(), ErrInjected)
	}
	return f.File.Sync()
}
