package forkexec

import "syscall"

// syscall 包中缺少的 seccomp 常量
const (
	// SECCOMP_SET_MODE_FILTER 以 BPF 过滤器模式装载 seccomp
	SECCOMP_SET_MODE_FILTER = 1
	// SECCOMP_FILTER_FLAG_TSYNC 把过滤器同步到进程的全部线程
	SECCOMP_FILTER_FLAG_TSYNC = 1
)

// etxtbsyRetryInterval 是 execve 遇到 ETXTBSY 时的重试间隔
var etxtbsyRetryInterval = syscall.Timespec{
	Nsec: 1 * 1000 * 1000, // 1ms
}
