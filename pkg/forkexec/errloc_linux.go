package forkexec

import (
	"fmt"
	"syscall"
)

// ErrorLocation 标记子进程初始化流程中出错的具体步骤
type ErrorLocation int

// ChildError 是子进程经套接字报告的初始化错误：
// 系统调用错误码、出错位置，以及批量操作中的序号（如资源限制）
type ChildError struct {
	Err      syscall.Errno
	Location ErrorLocation
	Index    int
}

// 错误位置常量，按子进程初始化的先后顺序排列
const (
	LocClone ErrorLocation = iota + 1
	LocCloseWrite
	LocGetPid
	LocDup3
	LocFcntl
	LocChdir
	LocSetRlimit
	LocSetNoNewPrivs
	LocPtraceMe
	LocStop
	LocSeccomp
	LocSyncWrite
	LocSyncRead
	LocExecve
)

var locToString = []string{
	"unknown",
	"clone",
	"close_write",
	"getpid",
	"dup3",
	"fcntl",
	"chdir",
	"setrlimit",
	"set_no_new_privs",
	"ptrace_me",
	"stop",
	"seccomp",
	"sync_write",
	"sync_read",
	"execve",
}

func (e ErrorLocation) String() string {
	if e >= LocClone && e <= LocExecve {
		return locToString[e]
	}
	return "unknown"
}

// Error 实现 error 接口；Index > 0 时附带批量操作的序号
func (e ChildError) Error() string {
	if e.Index > 0 {
		return fmt.Sprintf("%s(%d): %s", e.Location.String(), e.Index, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Location.String(), e.Err.Error())
}
