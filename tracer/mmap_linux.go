//go:build linux

package tracer

import (
	unix "golang.org/x/sys/unix"
)

// Mmap 通过注入 mmap 调用在目标进程内分配内存。
// 与 InjectSyscall 一样，只允许在系统调用停靠的钩子内调用。
func (c *Child) Mmap(addr uintptr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	ret, err := c.InjectSyscall(unix.SYS_MMAP, &SCArgs{
		A0: uint64(addr),
		A1: uint64(length),
		A2: uint64(prot),
		A3: uint64(flags),
		A4: uint64(int64(fd)),
		A5: uint64(offset),
	})
	if err != nil {
		return 0, err
	}
	if errno := errnoFromReturn(ret); errno != 0 {
		return 0, errno
	}
	return uintptr(ret), nil
}

// Munmap 通过注入 munmap 调用释放目标进程内的内存
func (c *Child) Munmap(addr uintptr, length uintptr) error {
	ret, err := c.InjectSyscall(unix.SYS_MUNMAP, &SCArgs{
		A0: uint64(addr),
		A1: uint64(length),
	})
	if err != nil {
		return err
	}
	if errno := errnoFromReturn(ret); errno != 0 {
		return errno
	}
	return nil
}

// errnoFromReturn 解码原始系统调用返回值中的错误码
func errnoFromReturn(ret int64) unix.Errno {
	if ret < 0 && ret >= -4095 {
		return unix.Errno(-ret)
	}
	return 0
}
