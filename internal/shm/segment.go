// Package shm opens and maps the POSIX shared-memory segments backing
// every DataBlock, per spec.md §6 ("DataBlock on-disk layout"). Linux
// exposes POSIX shm objects as files under /dev/shm, so a segment named
// "/plh.<channel>.v1" is simply the regular file /dev/shm/plh.<channel>.v1,
// opened with O_CREAT|O_RDWR, sized with Ftruncate and mapped with Mmap —
// the same primitives golang.org/x/sys/unix exposes for any mmap-backed
// ring buffer in this corpus.
package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const shmDir = "/dev/shm"

// NameFor derives the POSIX shared-memory object name from a channel name,
// per spec.md §6: "/plh.<channel>.v1".
func NameFor(channel string) string {
	return fmt.Sprintf("plh.%s.v1", channel)
}

// Segment is a mapped shared-memory region plus the file descriptor
// backing it. Bytes is valid only between Open/Create and Close.
type Segment struct {
	name  string
	file  *os.File
	Bytes []byte
}

// Create allocates (or re-opens) a shared-memory segment of exactly size
// bytes, permissions 0600, owned by the calling process's user, per
// spec.md §6. Safe to call when another process already created the
// segment of the same size (re-attach after a producer restart).
func Create(channel string, size int) (*Segment, error) {
	path := filepath.Join(shmDir, NameFor(channel))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm create %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm truncate %s: %w", path, err)
	}
	return mapSegment(channel, f, size)
}

// Open attaches to an existing shared-memory segment without resizing it.
// Returns an error if the segment does not exist yet — callers (consumer
// attach) are expected to poll/retry.
func Open(channel string) (*Segment, error) {
	path := filepath.Join(shmDir, NameFor(channel))
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm stat %s: %w", path, err)
	}
	return mapSegment(channel, f, int(info.Size()))
}

func mapSegment(channel string, f *os.File, size int) (*Segment, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm mmap %s: %w", channel, err)
	}
	return &Segment{name: channel, file: f, Bytes: data}, nil
}

// Close unmaps and closes the segment's file descriptor. It does NOT
// unlink the backing object — removing it is the producer's job (Unlink).
func (s *Segment) Close() error {
	var unmapErr error
	if s.Bytes != nil {
		unmapErr = unix.Munmap(s.Bytes)
		s.Bytes = nil
	}
	closeErr := s.file.Close()
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}

// Unlink removes the backing shared-memory object's name from the
// filesystem. It does not check active_consumer_count: processes that
// still have the segment mapped keep their mapping until they Close it,
// and later Open calls fail.
func Unlink(channel string) error {
	path := filepath.Join(shmDir, NameFor(channel))
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Exists reports whether the named segment currently exists on disk,
// without opening or mapping it.
func Exists(channel string) bool {
	path := filepath.Join(shmDir, NameFor(channel))
	_, err := os.Stat(path)
	return err == nil
}
