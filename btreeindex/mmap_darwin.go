//go:build darwin

package btreeindex

import (
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	prwProt   = unix.PROT_READ | unix.PROT_WRITE
	mapShared = unix.MAP_SHARED
)

func mmapFile(fd uintptr, offset int64, length int, prot, flags int) ([]byte, error) {
	return syscall.Mmap(int(fd), offset, length, prot, flags)
}

func unmapFile(data []byte) error {
	return syscall.Munmap(data)
}
