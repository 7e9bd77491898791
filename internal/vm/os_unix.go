//go:build unix

package vm

import (
	"golang.org/x/sys/unix"
)

var sysPageSize = unix.Getpagesize()

func sysMap(size uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func sysUnmap(data []byte) error {
	return unix.Munmap(data)
}

// sysRelease drops the physical pages behind data. The mapping stays.
func sysRelease(data []byte) error {
	return unix.Madvise(data, unix.MADV_DONTNEED)
}
