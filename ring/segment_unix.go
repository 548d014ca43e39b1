//go:build linux || darwin

package ring

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Rings that cross a process boundary are backed by a file in /dev/shm (or
// TMPDIR where that does not exist) so the client can map the same pages by
// path.

const segmentPrefix = "umpd_ring_"

func segmentDir() string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Create builds a new shared ring named by id, initializes the header and
// returns the service-side view.
func Create(id string, capacity uint32) (*Ring, error) {
	if !isPowerOfTwo(capacity) || capacity < MinCapacity {
		return nil, ErrBadCapacity
	}
	path := filepath.Join(segmentDir(), segmentPrefix+id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create ring segment: %w", err)
	}
	defer f.Close()

	size := HeaderSize + int(capacity)
	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("size ring segment: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("map ring segment: %w", err)
	}
	r, err := fromRegion(mem, path, capacity, true)
	if err != nil {
		_ = unix.Munmap(mem)
		os.Remove(path)
		return nil, err
	}
	return r, nil
}

// Open maps an existing ring segment created by the peer process.
func Open(path string) (*Ring, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open ring segment: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < HeaderSize+MinCapacity {
		return nil, ErrBadRegion
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map ring segment: %w", err)
	}
	r, err := fromRegion(mem, path, 0, false)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	return r, nil
}

// Remove deletes the backing file. The mapping of either side stays valid
// until it closes.
func Remove(r *Ring) error {
	if r.path == "" {
		return nil
	}
	return os.Remove(r.path)
}

func unmapRegion(mem []byte) error {
	return unix.Munmap(mem)
}
