//go:build linux

package tracer

import (
	"encoding/binary"
	"fmt"
	"os"

	unix "golang.org/x/sys/unix"
)

/*
	安全 fork 协议。

	内核的 fork 自动附加在"子进程开始运行"与"跟踪器收到通知"之间
	存在竞争窗口。这里不信任自动附加，改为由引擎自己执行 fork：

	 1. 在 fork 族调用的 PRE 停靠处把它换成无害调用，让本次
	    PRE/POST 正常走完，原 fork 被压掉；
	 2. 注入 mmap 架设一页跳板：一条系统调用指令加一个原地自旋，
	    并在执行前屏蔽全部信号，保证自旋不会被信号处理器搅动；
	 3. 让父进程从跳板执行真正的 clone。父侧照常在退出停靠处被
	    截住；子侧从克隆那一刻起便钉死在自旋尾上，一条属于它
	    自己的指令都没有执行；
	 4. 附加自旋中的子进程，恢复它的信号屏蔽字，撤掉跳板页，
	    再把父进程在 fork 点的寄存器现场（返回值改为 0）写给它；
	 5. 父进程同样恢复屏蔽字、撤掉跳板，并恢复成
	    "刚从一次普通 fork 返回" 的样子。

	协议是 SafeForkPid 唯一的赋值来源。
*/

// 跳板页布局：代码在页首，其后是要装载的屏蔽字和保存的旧屏蔽字
const (
	trampolineMaskOff    = 16
	trampolineOldMaskOff = 24
	sigsetSize           = 8
)

// SafeFork 以受控方式执行目标进程正要发起的 fork/vfork/clone。
// 只允许在 fork 族调用的 PRE 停靠钩子内调用。
// 返回新子进程号；新进程已纳入管理并可产生自己的事件。
func (c *Child) SafeFork() (int, error) {
	if !c.preSyscall || c.inj.state != injIdle {
		return 0, fmt.Errorf("safe fork on %d: %w", c.pid, ErrProtocolViolation)
	}
	ctx, err := c.getContext()
	if err != nil {
		return 0, err
	}
	if !isForkSyscall(ctx.SyscallNo()) {
		return 0, fmt.Errorf("safe fork on %d: current syscall is not a fork: %w", c.pid, ErrProtocolViolation)
	}
	pid, err := c.tracy.safeFork(c, ctx)
	if err != nil {
		return 0, err
	}
	// 原 fork 的停靠对已经被协议消化，之后呈现为 fork 已返回
	c.preSyscall = false
	return pid, nil
}

// safeForkStop 是事件循环里的安全 fork 入口：协议完成后向控制器
// 呈现一个合成的 fork POST 事件，返回值即新子进程号
func (t *Tracy) safeForkStop(c *Child, ctx *Context) (*Event, bool, error) {
	nr := ctx.SyscallNo()
	childPid, err := t.safeFork(c, ctx)
	if err != nil {
		return nil, false, err
	}
	c.preSyscall = false

	nctx, err := c.getContext()
	if err != nil {
		return nil, false, err
	}
	args := nctx.SCArgs()
	args.Syscall = nr
	args.ReturnCode = int64(childPid)
	ev := &c.LastEvent
	*ev = Event{Type: EventSyscall, Child: c, SyscallNum: nr, Args: args}
	return ev, true, nil
}

// safeFork 执行协议主体。parent 停在 fork 族调用的 PRE 停靠处，
// ctx 是该停靠的寄存器上下文。
func (t *Tracy) safeFork(parent *Child, ctx *Context) (int, error) {
	saved := *ctx
	pid := parent.pid
	pageSize := uintptr(os.Getpagesize())

	// 1. 压掉原 fork：换成无害调用并让 PRE/POST 走完
	ctx.ChangeSyscall(unix.SYS_GETPID)
	if err := ctx.Flush(); err != nil {
		return 0, wrapKernel(pid, err)
	}
	if err := resumeSyscall(parent); err != nil {
		return 0, err
	}
	if err := waitSyscallTrap(pid); err != nil {
		return 0, err
	}

	// 2. 架设跳板页
	mret, err := t.injectHere(parent, unix.SYS_MMAP, &SCArgs{
		A1: uint64(pageSize),
		A2: uint64(unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC),
		A3: uint64(unix.MAP_PRIVATE | unix.MAP_ANONYMOUS),
		A4: ^uint64(0),
	})
	if err != nil {
		return 0, err
	}
	if errno := errnoFromReturn(mret); errno != 0 {
		return 0, fmt.Errorf("safe fork mmap on %d: %w", pid, errno)
	}
	tramp := uintptr(mret)

	page := make([]byte, trampolineMaskOff+sigsetSize)
	copy(page, trampolineCode)
	binary.NativeEndian.PutUint64(page[trampolineMaskOff:], ^uint64(0))
	if _, err := parent.WriteMem(page, tramp); err != nil {
		t.safeForkBail(parent, &saved, tramp, pageSize)
		return 0, err
	}

	// 3. 屏蔽全部信号，旧屏蔽字存进跳板页
	if ret, err := t.injectHere(parent, unix.SYS_RT_SIGPROCMASK, &SCArgs{
		A0: uint64(unix.SIG_SETMASK),
		A1: uint64(tramp + trampolineMaskOff),
		A2: uint64(tramp + trampolineOldMaskOff),
		A3: sigsetSize,
	}); err != nil || errnoFromReturn(ret) != 0 {
		t.safeForkBail(parent, &saved, tramp, pageSize)
		if err == nil {
			err = fmt.Errorf("safe fork sigprocmask on %d: %w", pid, errnoFromReturn(ret))
		}
		return 0, err
	}

	// 4. 经跳板执行真正的 clone
	cloneRet, err := runTrampoline(pid, tramp, unix.SYS_CLONE, &SCArgs{
		A0: uint64(unix.SIGCHLD),
	})
	if err != nil {
		return 0, err
	}
	if errno := errnoFromReturn(cloneRet); errno != 0 {
		t.safeForkRestoreMask(pid, tramp)
		t.safeForkBail(parent, &saved, tramp, pageSize)
		return 0, fmt.Errorf("safe fork clone on %d: %w", pid, errno)
	}
	childPid := int(cloneRet)
	t.log.Debug("safe fork on ", pid, " created ", childPid)

	// 5. 附加自旋中的子进程并先给它设好跟踪选项，
	//    后面的修复调用都依赖系统调用陷阱的区分位
	if err := unix.PtraceAttach(childPid); err != nil {
		t.safeForkRestoreMask(pid, tramp)
		t.safeForkBail(parent, &saved, tramp, pageSize)
		return 0, fmt.Errorf("safe fork attach %d: %v: %w", childPid, err, ErrKernelRefused)
	}
	if err := waitStop(childPid); err != nil {
		return 0, err
	}
	if err := t.setPtraceOptions(childPid); err != nil {
		return 0, err
	}

	// 6. 修复子进程：恢复屏蔽字、撤掉跳板（页在 fork 时一并复制了），
	//    再写入父进程在 fork 点的现场，返回值改为 0
	if err := t.safeForkRestoreMask(childPid, tramp); err != nil {
		return 0, err
	}
	if _, err := runTrampoline(childPid, tramp, unix.SYS_MUNMAP, &SCArgs{
		A0: uint64(tramp),
		A1: uint64(pageSize),
	}); err != nil {
		return 0, err
	}
	cctx := saved
	cctx.Pid = childPid
	cctx.SetReturnValue(0)
	if err := cctx.Flush(); err != nil {
		return 0, wrapKernel(childPid, err)
	}

	// 7. 修复父进程：恢复屏蔽字、撤掉跳板、恢复成刚从 fork 返回的样子
	if err := t.safeForkRestoreMask(pid, tramp); err != nil {
		return 0, err
	}
	if _, err := t.injectHere(parent, unix.SYS_MUNMAP, &SCArgs{
		A0: uint64(tramp),
		A1: uint64(pageSize),
	}); err != nil {
		return 0, err
	}
	pctx := saved
	pctx.SetReturnValue(int64(childPid))
	if err := pctx.Flush(); err != nil {
		return 0, wrapKernel(pid, err)
	}

	// 8. 子进程登记入场并放行
	nc := t.newChild(childPid, parent.attached)
	t.admit(nc)
	if err := unix.PtraceSyscall(childPid, 0); err != nil {
		return 0, wrapKernel(childPid, err)
	}
	parent.SafeForkPid = childPid
	return childPid, nil
}

// injectHere 在目标进程当前的退出停靠处同步注入一次系统调用。
// 与 InjectSyscall 的 POST 路径相同，但供协议内部在非钩子
// 上下文中使用。
func (t *Tracy) injectHere(c *Child, nr uint64, args *SCArgs) (int64, error) {
	if err := c.injectStart(nr, args, false, nil); err != nil {
		return 0, err
	}
	if err := c.runInjection(); err != nil {
		return 0, err
	}
	c.inj.done = false
	return c.inj.ret, nil
}

// safeForkRestoreMask 经跳板恢复 pid 在协议开始前的信号屏蔽字
func (t *Tracy) safeForkRestoreMask(pid int, tramp uintptr) error {
	ret, err := runTrampoline(pid, tramp, unix.SYS_RT_SIGPROCMASK, &SCArgs{
		A0: uint64(unix.SIG_SETMASK),
		A1: uint64(tramp + trampolineOldMaskOff),
		A3: sigsetSize,
	})
	if err != nil {
		return err
	}
	if errno := errnoFromReturn(ret); errno != 0 {
		return fmt.Errorf("restore sigmask on %d: %w", pid, errno)
	}
	return nil
}

// safeForkBail 尽力回滚一次失败的协议：撤掉跳板页并恢复现场。
// 这里已经没有更好的挽救手段，回滚错误只记日志。
func (t *Tracy) safeForkBail(parent *Child, saved *Context, tramp uintptr, pageSize uintptr) {
	if tramp != 0 {
		if _, err := t.injectHere(parent, unix.SYS_MUNMAP, &SCArgs{
			A0: uint64(tramp),
			A1: uint64(pageSize),
		}); err != nil {
			t.log.Debug("safe fork rollback munmap failed: ", err)
		}
	}
	restore := *saved
	restore.SetReturnValue(-int64(unix.EAGAIN))
	if err := restore.Flush(); err != nil {
		t.log.Debug("safe fork rollback restore failed: ", err)
	}
	parent.preSyscall = false
}

// runTrampoline 让 pid 从跳板页执行一次系统调用并返回其结果。
// 结束后 ip 停在跳板的自旋尾上，寄存器现场由调用方收拾。
func runTrampoline(pid int, tramp uintptr, nr uint64, args *SCArgs) (int64, error) {
	ctx, err := getTrapContext(pid)
	if err != nil {
		return 0, err
	}
	ctx.SetIP(uint64(tramp))
	ctx.PrimeSyscall(nr)
	ctx.ApplyArgs(args)
	if err := ctx.Flush(); err != nil {
		return 0, wrapKernel(pid, err)
	}
	// 进入停靠
	if err := unix.PtraceSyscall(pid, 0); err != nil {
		return 0, wrapKernel(pid, err)
	}
	if err := waitSyscallTrap(pid); err != nil {
		return 0, err
	}
	// 退出停靠
	if err := unix.PtraceSyscall(pid, 0); err != nil {
		return 0, wrapKernel(pid, err)
	}
	if err := waitSyscallTrap(pid); err != nil {
		return 0, err
	}
	ectx, err := getTrapContext(pid)
	if err != nil {
		return 0, err
	}
	return ectx.ReturnValue(), nil
}

// waitSyscallTrap 阻塞到 pid 的下一个系统调用停靠。
// 途中的信号停靠携带原信号放行；进程退出视为失败。
func waitSyscallTrap(pid int) error {
	for {
		var wstatus unix.WaitStatus
		_, err := unix.Wait4(pid, &wstatus, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return wrapKernel(pid, err)
		}
		if wstatus.Exited() || wstatus.Signaled() {
			return fmt.Errorf("child %d exited inside safe fork", pid)
		}
		if !wstatus.Stopped() {
			continue
		}
		if wstatus.StopSignal() == syscallTrapSignal {
			return nil
		}
		sig := 0
		if s := wstatus.StopSignal(); s != unix.SIGTRAP {
			sig = int(s)
		}
		if err := unix.PtraceSyscall(pid, sig); err != nil {
			return wrapKernel(pid, err)
		}
	}
}
