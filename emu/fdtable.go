// Package emu provides functional AMD64 emulation.
package emu

import (
	"io"
	"os"
	"sync"
	"time"
)

// FileDescriptor is one guest file descriptor. Standard streams are backed
// by the emulator's readers and writers; the rest by host files.
type FileDescriptor struct {
	HostFile *os.File // Host file handle (nil for standard streams)
	Path     string   // Path as opened, or the stream name
	Flags    int      // Host open flags

	reader io.Reader
	writer io.Writer
}

// IsStream reports whether the descriptor is one of the standard streams.
func (d *FileDescriptor) IsStream() bool {
	return d.HostFile == nil
}

// FDTable maps guest file descriptors to host resources. It may be shared
// by several emulators running threads of one process.
type FDTable struct {
	mu     sync.Mutex
	fds    map[uint64]*FileDescriptor
	nextFD uint64
}

// NewFDTable creates a table with descriptors 0, 1 and 2 bound to the
// given streams. A nil stdin reads as end of file.
func NewFDTable(stdin io.Reader, stdout, stderr io.Writer) *FDTable {
	t := &FDTable{
		fds:    make(map[uint64]*FileDescriptor),
		nextFD: 3,
	}
	t.fds[0] = &FileDescriptor{Path: "stdin", reader: stdin}
	t.fds[1] = &FileDescriptor{Path: "stdout", writer: stdout}
	t.fds[2] = &FileDescriptor{Path: "stderr", writer: stderr}
	return t
}

// Open opens a host file and returns the lowest free descriptor at or
// above 3.
func (t *FDTable) Open(path string, flags int, mode os.FileMode) (uint64, error) {
	hostFile, err := os.OpenFile(path, flags, mode)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fd := t.nextFD
	for {
		if _, used := t.fds[fd]; !used {
			break
		}
		fd++
	}
	t.fds[fd] = &FileDescriptor{HostFile: hostFile, Path: path, Flags: flags}
	t.nextFD = fd + 1
	return fd, nil
}

// Close releases a descriptor. Standard streams are detached but their
// writers are left open.
func (t *FDTable) Close(fd uint64) error {
	t.mu.Lock()
	entry, ok := t.fds[fd]
	if ok {
		delete(t.fds, fd)
		if fd < t.nextFD && fd >= 3 {
			t.nextFD = fd
		}
	}
	t.mu.Unlock()

	if !ok {
		return os.ErrInvalid
	}
	if entry.HostFile != nil {
		return entry.HostFile.Close()
	}
	return nil
}

// CloseAll closes every host file.
func (t *FDTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd, entry := range t.fds {
		if entry.HostFile != nil {
			_ = entry.HostFile.Close()
		}
		delete(t.fds, fd)
	}
}

// Get returns the descriptor entry if it is open.
func (t *FDTable) Get(fd uint64) (*FileDescriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.fds[fd]
	return entry, ok
}

// IsOpen checks if a file descriptor is open.
func (t *FDTable) IsOpen(fd uint64) bool {
	_, ok := t.Get(fd)
	return ok
}

// Read reads from a descriptor. Reading a stream with no reader returns
// end of file.
func (t *FDTable) Read(fd uint64, buf []byte) (int, error) {
	entry, ok := t.Get(fd)
	if !ok {
		return 0, os.ErrInvalid
	}
	switch {
	case entry.HostFile != nil:
		return entry.HostFile.Read(buf)
	case entry.reader != nil:
		return entry.reader.Read(buf)
	case entry.writer != nil:
		return 0, os.ErrInvalid
	}
	return 0, io.EOF
}

// Write writes to a descriptor.
func (t *FDTable) Write(fd uint64, buf []byte) (int, error) {
	entry, ok := t.Get(fd)
	if !ok {
		return 0, os.ErrInvalid
	}
	switch {
	case entry.HostFile != nil:
		return entry.HostFile.Write(buf)
	case entry.writer != nil:
		return entry.writer.Write(buf)
	}
	return 0, os.ErrInvalid
}

// ReadAt reads from a host file at an absolute offset without moving its
// position. It backs file mappings.
func (t *FDTable) ReadAt(fd uint64, buf []byte, off int64) (int, error) {
	entry, ok := t.Get(fd)
	if !ok || entry.HostFile == nil {
		return 0, os.ErrInvalid
	}
	return entry.HostFile.ReadAt(buf, off)
}

// Stat returns file information. Standard streams report a character
// device.
func (t *FDTable) Stat(fd uint64) (os.FileInfo, error) {
	entry, ok := t.Get(fd)
	if !ok {
		return nil, os.ErrInvalid
	}
	if entry.HostFile == nil {
		return &streamFileInfo{name: entry.Path}, nil
	}
	return entry.HostFile.Stat()
}

// Seek sets the file position. Streams cannot seek.
func (t *FDTable) Seek(fd uint64, offset int64, whence int) (int64, error) {
	entry, ok := t.Get(fd)
	if !ok || entry.HostFile == nil {
		return 0, os.ErrInvalid
	}
	return entry.HostFile.Seek(offset, whence)
}

// streamFileInfo describes a standard stream.
type streamFileInfo struct {
	name string
}

func (f *streamFileInfo) Name() string       { return f.name }
func (f *streamFileInfo) Size() int64        { return 0 }
func (f *streamFileInfo) Mode() os.FileMode  { return os.ModeDevice | os.ModeCharDevice | 0620 }
func (f *streamFileInfo) ModTime() time.Time { return time.Time{} }
func (f *streamFileInfo) IsDir() bool        { return false }
func (f *streamFileInfo) Sys() any           { return nil }
