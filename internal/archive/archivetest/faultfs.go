package archivetest

import (
	"errors"
	"path"
	"sync"

	"github.com/go-git/go-billy/v5"
)

// ErrInjected is returned by reads that a FaultFS fails.
var ErrInjected = errors.New("injected read failure")

// FaultFS wraps a filesystem and fails reads of chosen files.
type FaultFS struct {
	billy.Filesystem

	// FailRead reports whether reads from the n-th open (starting at 1) of
	// name fail. name is slash separated and relative to the root.
	FailRead func(name string, n int) bool

	mu    sync.Mutex
	opens map[string]int
}

// Faulty wraps fsys. The returned FaultFS fails nothing until FailRead is set.
func Faulty(fsys billy.Filesystem) *FaultFS {
	return &FaultFS{Filesystem: fsys, opens: make(map[string]int)}
}

// Opens returns how many times name was opened.
func (f *FaultFS) Opens(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[path.Clean(name)]
}

func (f *FaultFS) Open(filename string) (billy.File, error) {
	file, err := f.Filesystem.Open(filename)
	if err != nil {
		return nil, err
	}
	name := path.Clean(filename)
	f.mu.Lock()
	f.opens[name]++
	n := f.opens[name]
	f.mu.Unlock()
	if f.FailRead != nil && f.FailRead(name, n) {
		return &faultyFile{File: file}, nil
	}
	return file, nil
}

// faultyFile fails every read.
type faultyFile struct {
	billy.File
}

func (f *faultyFile) Read(p []byte) (int, error) {
	return 0, ErrInjected
}

func (f *faultyFile) ReadAt(p []byte, off int64) (int, error) {
	return 0, ErrInjected
}
