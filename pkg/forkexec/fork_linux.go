package forkexec

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Start 创建子进程并让它执行 Args 指定的程序：
// 1. fork 出子进程
// 2. 在子进程内应用文件描述符映射、工作目录与资源限制
// 3. 按配置装载 seccomp 过滤器并启用 ptrace 跟踪
// 4. 执行 execve
//
// 返回子进程号。启用 ptrace 时，调用前必须锁定当前 OS 线程。
func (r *Runner) Start() (int, error) {
	// 准备执行参数：程序路径、参数列表和环境变量
	argv0, argv, env, err := prepareExec(r.Args, r.Env)
	if err != nil {
		return 0, err
	}

	// 准备工作目录路径
	workdir, err := syscallStringFromString(r.WorkDir)
	if err != nil {
		return 0, err
	}

	// 创建一对 socket 用于父子进程在 execve 之前同步
	// p[0] 由父进程使用，p[1] 由子进程使用
	p, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}

	// 在子进程中执行 fork 和 exec
	pid, err1 := forkAndExecInChild(r, argv0, argv, env, workdir, p)

	// 恢复所有信号处理
	afterFork()
	syscall.ForkLock.Unlock()

	// 与子进程同步并处理结果
	return syncWithChild(r, p, int(pid), err1)
}

// syncWithChild 负责父进程一侧的同步：
// 收集子进程初始化阶段报告的错误，执行用户同步函数，
// 并在 ptrace / 预停场景下提前交还控制权
func syncWithChild(r *Runner, p [2]int, pid int, err1 syscall.Errno) (int, error) {
	var (
		err      error
		childErr ChildError
	)

	// 关闭子进程端的套接字
	unix.Close(p[1])

	// clone 本身失败时直接返回
	if err1 != 0 {
		unix.Close(p[0])
		childErr.Location = LocClone
		childErr.Err = err1
		return 0, childErr
	}

	// 读取子进程可能报告的初始化错误
	n, err := readChildErr(p[0], &childErr)
	if (n != int(unsafe.Sizeof(childErr.Err)) && n != int(unsafe.Sizeof(childErr))) || childErr.Err != 0 || err != nil {
		childErr.Err = handlePipeError(n, childErr.Err)
		goto fail
	}

	// 执行用户定义的同步函数（如果有）
	if r.SyncFunc != nil {
		if err = r.SyncFunc(pid); err != nil {
			goto fail
		}
	}
	// 向子进程发送确认
	{
		var ack syscall.Errno
		syscall.RawSyscall(syscall.SYS_WRITE, uintptr(p[0]), uintptr(unsafe.Pointer(&ack)), uintptr(unsafe.Sizeof(ack)))
	}

	// 子进程将在 execve 前停下等待跟踪器时，这里不再阻塞等待：
	// 在另一个 goroutine 中收尾，避免 SIGPIPE
	if r.Ptrace || r.StopBeforeSeccomp {
		go func() {
			readChildErr(p[0], &childErr)
			unix.Close(p[0])
		}()
		return pid, nil
	}

	// 等待 execve 成功把套接字对带闭，或收到失败报告
	n, err = readChildErr(p[0], &childErr)
	unix.Close(p[0])
	if n != 0 || err != nil {
		childErr.Err = handlePipeError(n, childErr.Err)
		goto failAfterClose
	}
	return pid, nil

fail:
	unix.Close(p[0])

failAfterClose:
	handleChildFailed(pid)
	if childErr.Err == 0 {
		return 0, err
	}
	return 0, childErr
}

// readChildErr 从套接字读取子进程的错误报告，EINTR 时重试
func readChildErr(fd int, childErr *ChildError) (n int, err error) {
	for {
		n, err = readlen(fd, (*byte)(unsafe.Pointer(childErr)), int(unsafe.Sizeof(*childErr)))
		if err != syscall.EINTR {
			break
		}
	}
	return
}

// readlen 直接调用 read 系统调用读取指定长度的数据
func readlen(fd int, p *byte, np int) (n int, err error) {
	r0, _, e1 := syscall.Syscall(syscall.SYS_READ, uintptr(fd), uintptr(unsafe.Pointer(p)), uintptr(np))
	n = int(r0)
	if e1 != 0 {
		err = syscall.Errno(e1)
	}
	return
}

// handlePipeError 区分"读到了错误码"与"管道被提前带闭"
func handlePipeError(r1 int, errno syscall.Errno) syscall.Errno {
	if uintptr(r1) >= unsafe.Sizeof(errno) {
		return errno
	}
	return syscall.EPIPE
}

// handleChildFailed 终止初始化失败的子进程并回收，避免僵尸
func handleChildFailed(pid int) {
	var wstatus syscall.WaitStatus
	syscall.Kill(pid, syscall.SIGKILL)
	_, err := syscall.Wait4(pid, &wstatus, 0, nil)
	for err == syscall.EINTR {
		_, err = syscall.Wait4(pid, &wstatus, 0, nil)
	}
}
