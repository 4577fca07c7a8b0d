// Package shmem provides named shared-memory segments: attach/detach,
// size-tagged base pointers. There is no portable named-shared-memory
// syscall available across platforms, so a segment is realized as an
// mmap'd file under a base directory, keyed by an integer identity the
// same way the heap table and B+Tree index are keyed.
package shmem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var ErrWrongSize = errors.New("shmem: segment exists with a different size")

// Segment is one named, size-tagged mapping. Multiple processes opening
// the same key see the same bytes.
type Segment struct {
	Key  int64
	Size int
	Data []byte

	mu   sync.Mutex
	file *os.File
}

// Manager roots every segment under one base directory, the local
// stand-in for a host-wide shared memory key namespace.
type Manager struct {
	Dir string
}

func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("shmem: mkdir base dir: %w", err)
	}
	return &Manager{Dir: dir}, nil
}

func (m *Manager) path(key int64) string {
	return filepath.Join(m.Dir, fmt.Sprintf("seg-%d.blk", key))
}

// Create makes a brand new segment of the given size. It fails if a
// segment already exists under this key: callers (heaptable.Create,
// bplustree.Create) always know whether they are creating or opening.
func (m *Manager) Create(key int64, size int) (*Segment, error) {
	path := m.path(key)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shmem: create segment %d: %w", key, err)
	}
	if err := fallocateFile(f.Fd(), 0, int64(size)); err != nil {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("shmem: size segment %d: %w", key, err)
		}
	}
	data, err := mmapFile(f.Fd(), 0, size)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shmem: mmap segment %d: %w", key, err)
	}
	return &Segment{Key: key, Size: size, Data: data, file: f}, nil
}

// Open attaches an existing segment. size must match what the segment
// was created with; a mismatch almost always means a stale directory or
// a key collision between tables.
func (m *Manager) Open(key int64, size int) (*Segment, error) {
	path := m.path(key)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shmem: open segment %d: %w", key, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmem: stat segment %d: %w", key, err)
	}
	if int(fi.Size()) != size {
		f.Close()
		return nil, fmt.Errorf("%w: segment %d is %d bytes, want %d", ErrWrongSize, key, fi.Size(), size)
	}
	data, err := mmapFile(f.Fd(), 0, size)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmem: mmap segment %d: %w", key, err)
	}
	return &Segment{Key: key, Size: size, Data: data, file: f}, nil
}

// Detach unmaps and closes the local handle without destroying the
// backing file; other processes keep seeing it.
func (s *Segment) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Data == nil {
		return nil
	}
	err := unmapFile(s.Data)
	s.Data = nil
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Destroy detaches and removes the backing file. Only the table/index
// creator should call this, and only once every opener has closed.
// Destroy takes a non-blocking advisory exclusive flock on the segment
// file and refuses to remove it if the flock can't be taken. Create and
// Open take no flock, so this excludes only another flock holder (such
// as a concurrent Destroy); it does not detect or block an opener that
// is attached or attaching.
func (m *Manager) Destroy(key int64) error {
	path := m.path(key)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("shmem: destroy segment %d: %w", key, err)
	}
	defer f.Close()
	if err := flockFile(f.Fd(), true); err != nil {
		return fmt.Errorf("shmem: segment %d busy, not destroying: %w", key, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shmem: destroy segment %d: %w", key, err)
	}
	return nil
}

func (s *Segment) Sync() error {
	return s.file.Sync()
}

// Size reports an existing segment's byte size without mapping it,
// letting a caller reconstruct layout-dependent sizing (heaptable.Open)
// before deciding how many bytes to mmap.
func (m *Manager) Size(key int64) (int, error) {
	fi, err := os.Stat(m.path(key))
	if err != nil {
		return 0, fmt.Errorf("shmem: stat segment %d: %w", key, err)
	}
	return int(fi.Size()), nil
}
