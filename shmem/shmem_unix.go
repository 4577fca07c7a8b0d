//go:build linux || freebsd || openbsd || netbsd || solaris

package shmem

import "golang.org/x/sys/unix"

func mmapFile(fd uintptr, offset int64, length int) ([]byte, error) {
	return unix.Mmap(int(fd), offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func unmapFile(data []byte) error {
	return unix.Munmap(data)
}

func fallocateFile(fd uintptr, offset int64, length int64) error {
	return unix.Fallocate(int(fd), 0, offset, length)
}

func flockFile(fd uintptr, exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	return unix.Flock(int(fd), how|unix.LOCK_NB)
}
