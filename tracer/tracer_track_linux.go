//go:build linux

package tracer

import (
	"fmt"

	unix "golang.org/x/sys/unix"
)

/*
WaitEvent 阻塞直到某个目标进程出现状态变化，分类后返回一个事件。

pid 为 -1 时等待任意目标进程，为正数时只等待指定进程。

分类的优先顺序：
 1. 会话中已无目标进程           -> quit 事件（Child 为 nil）
 2. 内核报告退出或被信号终止     -> 指名该进程的 quit 事件，随后移出管理
 3. 系统调用停靠                 -> PRE/POST 交替推进；注入进行中则喂给注入引擎
 4. fork/vfork/clone 通知        -> 收养新进程后继续等待，不对控制器暴露
 5. 未收养进程的首次停靠         -> 设置跟踪选项后继续等待，不对控制器暴露
 6. 其他信号投递停靠             -> signal 事件；信号不被消耗，放行时重投
 7. 无法归类的内部停靠           -> internal 事件，控制器放行即可

系统调用事件在返回前分发钩子；kill-child 与 abort 两种
钩子返回值由循环就地执行。

返回非 nil 的 error 表示无法恢复的内部失败，控制器应当收尾退出。
*/
func (t *Tracy) WaitEvent(pid int) (*Event, error) {
	for {
		if len(t.children) == 0 {
			return &Event{Type: EventQuit}, nil
		}

		var wstatus unix.WaitStatus
		wpid, err := unix.Wait4(pid, &wstatus, unix.WALL, nil)
		if err == unix.EINTR {
			t.log.Debug("wait4 interrupted")
			continue
		}
		if err == unix.ECHILD {
			return &Event{Type: EventQuit}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("wait4: %v: %w", err, ErrKernelRefused)
		}
		t.log.Debug("------ process: ", wpid, " ------")

		c := t.children[wpid]
		if c == nil {
			// 子进程的首次停靠先于其父进程的 fork 通知到达。
			// 先收养，通知到达时再补齐 attached 的继承。
			if wstatus.Stopped() {
				t.adoptEarly(wpid)
			}
			continue
		}

		switch {
		case wstatus.Exited(), wstatus.Signaled():
			ev := &c.LastEvent
			*ev = Event{Type: EventQuit, Child: c}
			if wstatus.Signaled() {
				ev.SignalNum = int(wstatus.Signal())
				t.log.Debug("process terminated by signal: ", wpid, " signal: ", ev.SignalNum)
			} else {
				t.log.Debug("process exited: ", wpid, " status: ", wstatus.ExitStatus())
			}
			t.forget(c)
			return ev, nil

		case wstatus.Stopped():
			ev, deliver, err := t.handleStop(c, wstatus)
			if err != nil {
				return nil, err
			}
			if !deliver {
				continue
			}
			if ev.Type == EventSyscall {
				switch t.execHook(ev.SyscallNum, ev) {
				case HookKillChild:
					if err := c.KillChild(); err != nil {
						t.log.Debug("kill child failed: ", err)
					}
					continue
				case HookAbort:
					t.Free()
					return &Event{Type: EventQuit}, nil
				}
			}
			return ev, nil
		}
	}
}

// handleStop 对一次停止态做分类。
// 返回的 deliver 为 false 表示停靠已被引擎消化，循环应当继续等待。
func (t *Tracy) handleStop(c *Child, wstatus unix.WaitStatus) (*Event, bool, error) {
	sig := wstatus.StopSignal()

	// 注入引擎持有该进程期间，一切停靠都归它消化
	if c.inj.state != injIdle {
		if sig == syscallTrapSignal {
			finished, err := t.advanceInjection(c)
			if err != nil {
				return nil, false, err
			}
			if finished {
				t.finishAsyncInjection(c)
			}
			return nil, false, nil
		}
		resumeSig := 0
		if sig != unix.SIGTRAP {
			resumeSig = int(sig)
		}
		if err := unix.PtraceSyscall(c.pid, resumeSig); err != nil {
			return nil, false, wrapKernel(c.pid, err)
		}
		return nil, false, nil
	}

	switch {
	case sig == syscallTrapSignal:
		return t.handleSyscallStop(c)
	case sig == unix.SIGTRAP && wstatus.TrapCause() > 0:
		return t.handleTrapEvent(c, wstatus.TrapCause())
	default:
		ev := &c.LastEvent
		*ev = Event{Type: EventSignal, Child: c, SignalNum: int(sig)}
		t.log.Debug("signal for process ", c.pid, ": ", int(sig))
		return ev, true, nil
	}
}

// handleSyscallStop 推进 PRE/POST 状态机并构造系统调用事件。
// PRE 半段采集全部参数寄存器，POST 半段补上返回值。
func (t *Tracy) handleSyscallStop(c *Child) (*Event, bool, error) {
	c.preSyscall = !c.preSyscall
	ctx, err := c.getContext()
	if err != nil {
		return nil, false, err
	}

	if c.preSyscall {
		nr := ctx.SyscallNo()
		t.log.Debug("syscall entry on ", c.pid, ": ", nr)
		// 安全 fork：fork 族调用进入时由引擎接管全程，
		// 对控制器只呈现一个 "fork 已返回" 的 POST 事件
		if t.opt&UseSafeTrace != 0 && t.opt&TraceChildren != 0 && isForkSyscall(nr) {
			return t.safeForkStop(c, ctx)
		}
		ev := &c.LastEvent
		*ev = Event{Type: EventSyscall, Child: c, SyscallNum: nr, Args: ctx.SCArgs()}
		return ev, true, nil
	}

	// POST：被拒绝的调用在这里合成错误返回，不再询问内核
	if c.deniedNr >= 0 {
		ctx.ChangeSyscall(uint64(c.deniedNr))
		ctx.SetReturnValue(-int64(unix.EPERM))
		if err := ctx.Flush(); err != nil {
			return nil, false, wrapKernel(c.pid, err)
		}
		c.deniedNr = -1
	}
	t.log.Debug("syscall exit on ", c.pid, ": ", ctx.SyscallNo())
	ev := &c.LastEvent
	*ev = Event{Type: EventSyscall, Child: c, SyscallNum: ctx.SyscallNo(), Args: ctx.SCArgs()}
	return ev, true, nil
}

// handleTrapEvent 处理带事件原因的 SIGTRAP 停靠
func (t *Tracy) handleTrapEvent(c *Child, cause int) (*Event, bool, error) {
	switch cause {
	case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
		if err := t.adoptFromEvent(c); err != nil {
			return nil, false, err
		}
		if err := resumeSyscall(c); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	case unix.PTRACE_EVENT_EXEC:
		t.log.Debug("process exec event: ", c.pid)
		ev := &c.LastEvent
		*ev = Event{Type: EventInternal, Child: c}
		return ev, true, nil
	default:
		t.log.Debug("process trap: ", c.pid, " cause: ", cause)
		ev := &c.LastEvent
		*ev = Event{Type: EventInternal, Child: c}
		return ev, true, nil
	}
}

// adoptFromEvent 执行收养流程：取出新进程号，按会话选项决定
// 收养或放生；收养时继承 attached 标志、设置跟踪选项并触发
// 创建回调，之后才可能有该进程的事件到达控制器。
func (t *Tracy) adoptFromEvent(parent *Child) error {
	msg, err := unix.PtraceGetEventMsg(parent.pid)
	if err != nil {
		return wrapKernel(parent.pid, err)
	}
	childPid := int(msg)

	if t.opt&TraceChildren == 0 {
		// 不跟踪子进程：等它停下来后脱离，由它自生自灭
		if waitStop(childPid) == nil {
			_ = unix.PtraceDetach(childPid)
		}
		t.log.Debug("ignoring new child: ", childPid)
		return nil
	}

	if existing := t.children[childPid]; existing != nil {
		// 首次停靠先到、通知后到：只需补齐继承关系
		existing.attached = parent.attached
		return nil
	}

	if err := waitStop(childPid); err != nil {
		return err
	}
	if err := t.setPtraceOptions(childPid); err != nil {
		return err
	}
	c := t.newChild(childPid, parent.attached)
	// 自动附加的子进程带着 clone 的退出停靠入场，首个停靠按 POST 处理
	c.preSyscall = true
	t.admit(c)
	t.log.Debug("adopted child: ", childPid)
	if err := unix.PtraceSyscall(childPid, 0); err != nil {
		return wrapKernel(childPid, err)
	}
	return nil
}

// adoptEarly 收养一个通知尚未到达、但已经先停下来的新进程
func (t *Tracy) adoptEarly(pid int) {
	if t.opt&TraceChildren == 0 {
		_ = unix.PtraceDetach(pid)
		return
	}
	if err := t.setPtraceOptions(pid); err != nil {
		t.log.Debug("adopt early failed: ", err)
		return
	}
	c := t.newChild(pid, false)
	c.preSyscall = true
	t.admit(c)
	t.log.Debug("adopted child before fork event: ", pid)
	_ = unix.PtraceSyscall(pid, 0)
}

// finishAsyncInjection 在异步注入完成后调用完成回调并放行进程。
// 回调内再次发起注入时进程交还注入引擎，不在这里放行。
func (t *Tracy) finishAsyncInjection(c *Child) {
	cb := c.inj.cb
	c.inj.cb = nil
	if cb != nil {
		ev := &c.LastEvent
		*ev = Event{Type: EventInternal, Child: c, SyscallNum: c.inj.syscallNum}
		cb(ev)
	}
	if c.inj.state == injIdle {
		if err := resumeSyscall(c); err != nil {
			t.log.Debug("resume after injection failed: ", err)
		}
	}
}

// Continue 放行事件所属的目标进程，使其运行到下一次停靠。
// 信号事件默认把原信号重投给进程；sigOverride 非零时压下不投。
// 注入进行中的进程由注入引擎负责恢复，这里不做任何事。
func (t *Tracy) Continue(e *Event, sigOverride int) error {
	if e == nil || e.Child == nil {
		return nil
	}
	c := e.Child
	if c.inj.state != injIdle {
		return nil
	}
	sig := 0
	if e.Type == EventSignal {
		sig = e.SignalNum
		if sigOverride != 0 {
			sig = 0
		}
	}
	if err := unix.PtraceSyscall(c.pid, sig); err != nil {
		return fmt.Errorf("continue %d: %v: %w", c.pid, err, ErrKernelRefused)
	}
	return nil
}
