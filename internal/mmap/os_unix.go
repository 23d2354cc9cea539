//go:build unix && !linux

package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

func osMap(f *os.File, size int, populate bool) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}

	// MAP_POPULATE is Linux-only; approximate the eager fault-in with
	// a WILLNEED advice.
	if populate {
		_ = unix.Madvise(data, unix.MADV_WILLNEED)
	}

	return data, unix.Munmap, nil
}
