package forkexec

import (
	"syscall"

	"github.com/zqzqsb/tracy/pkg/rlimit"
)

// Runner 描述如何创建一个将被跟踪的目标进程：
// 执行参数、文件描述符映射、资源限制，以及 ptrace/seccomp 的装载方式
type Runner struct {
	// Args 和 Env 用于子进程的 execve 系统调用
	// Args: 命令行参数数组，Args[0] 是要执行的程序路径
	// Env: 环境变量数组，格式为 "KEY=VALUE"
	Args []string
	Env  []string

	// RLimits 定义了进程的资源限制
	// 在 execve 之前通过 prlimit64 系统调用设置
	RLimits []rlimit.RLimit

	// Files 定义了新进程的文件描述符映射
	// 索引从 0 开始，通常 0,1,2 分别对应 stdin, stdout, stderr
	Files []uintptr

	// WorkDir 设置子进程的工作目录（chdir），空串表示不切换
	WorkDir string

	// Seccomp 是 execve 之前装载的系统调用过滤器，可为 nil
	Seccomp *syscall.SockFprog

	// Ptrace 控制子进程调用 ptrace(PTRACE_TRACEME)
	// 跟踪器需要先调用 runtime.LockOSThread 才能使用 ptrace 系统调用
	Ptrace bool

	// NoNewPrivs 通过 prctl(PR_SET_NO_NEW_PRIVS) 禁止子进程提升特权
	// 提供 seccomp 过滤器时自动启用
	NoNewPrivs bool

	// StopBeforeSeccomp 在装载 seccomp 之前通过 kill(getpid(), SIGSTOP)
	// 停下来等待跟踪器。同时启用 seccomp 和 ptrace 时自动启用：
	// kill 在 seccomp 之后可能已被过滤器禁止，而 execve 会被跟踪
	StopBeforeSeccomp bool

	// SyncFunc 在 execve 之前通过套接字对与父进程同步，
	// 参数是子进程号；返回错误时父进程终止子进程并报告
	SyncFunc func(int) error
}
