package store

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapFile maps a committed blob read-only. Blobs are immutable after the
// commit rename, so mappings are shared freely between readers.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	return unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
}

func munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}
