// Package seccomp 提供 seccomp 过滤器的表示与生成。
// seccomp 是内核的系统调用过滤机制，这里用它在 execve 之前
// 约束被跟踪进程可以使用的系统调用。
package seccomp

import "syscall"

// Filter 是 BPF 指令形式的 seccomp 过滤器
type Filter []syscall.SockFilter

// SockFprog 把过滤器转换为内核装载时使用的 SockFprog 结构。
// Filter 指针必须指向连续内存，因此取切片底层数组的首元素。
func (f Filter) SockFprog() *syscall.SockFprog {
	b := []syscall.SockFilter(f)
	return &syscall.SockFprog{
		Len:    uint16(len(b)),
		Filter: &b[0],
	}
}
