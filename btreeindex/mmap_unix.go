//go:build linux || freebsd || openbsd || netbsd || solaris

package btreeindex

import "syscall"

const (
	prwProt  = syscall.PROT_READ | syscall.PROT_WRITE
	mapShared = syscall.MAP_SHARED
)

func mmapFile(fd uintptr, offset int64, length int, prot, flags int) ([]byte, error) {
	return syscall.Mmap(int(fd), offset, length, prot, flags)
}

func unmapFile(data []byte) error {
	return syscall.Munmap(data)
}
