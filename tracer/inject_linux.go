//go:build linux

package tracer

import (
	"fmt"

	unix "golang.org/x/sys/unix"
)

// injectState 是每个目标进程的注入状态机状态。
// 引擎持有状态机非空闲的进程：在回到空闲之前，
// 该进程的一切停靠都由注入引擎消化，不分发钩子、不上报事件。
type injectState int

const (
	// injIdle 没有注入在进行
	injIdle injectState = iota
	// injPreRunning PRE 半段发起的注入调用执行中，等待其退出停靠
	injPreRunning
	// injPreRestore 现场已回绕，等待原系统调用重新进入
	injPreRestore
	// injPostEntry POST 半段发起的注入调用等待其进入停靠
	injPostEntry
	// injPostRunning POST 半段发起的注入调用执行中，等待其退出停靠
	injPostRunning
)

// injectData 是一次注入的全部记账：发起时的 PRE/POST 相位、
// 注入的调用号、发起瞬间的完整寄存器快照和完成回调
type injectData struct {
	state      injectState
	pre        bool
	syscallNum uint64
	saved      Context
	cb         HookFunc
	ret        int64
	done       bool
}

// injectStart 启动注入：快照现场，改写调用号与参数寄存器。
// PRE 停靠处内核尚未执行调用，直接改写即可；
// 其他位置需要把 ip 回绕一个系统调用指令宽度让内核重新执行。
func (c *Child) injectStart(nr uint64, args *SCArgs, pre bool, cb HookFunc) error {
	ctx, err := c.getContext()
	if err != nil {
		return err
	}
	c.inj.saved = *ctx
	c.inj.pre = pre
	c.inj.syscallNum = nr
	c.inj.cb = cb
	c.inj.done = false

	if pre {
		ctx.ChangeSyscall(nr)
		ctx.ApplyArgs(args)
		c.inj.state = injPreRunning
	} else {
		ctx.SetIP(ctx.IP() - syscallInsnSize)
		ctx.PrimeSyscall(nr)
		ctx.ApplyArgs(args)
		c.inj.state = injPostEntry
	}
	if err := ctx.Flush(); err != nil {
		c.inj.state = injIdle
		return wrapKernel(c.pid, err)
	}
	if err := resumeSyscall(c); err != nil {
		c.inj.state = injIdle
		return err
	}
	return nil
}

// advanceInjection 把一次系统调用停靠喂给注入状态机。
// 返回 true 表示注入已完成：返回值已取回，现场已恢复，
// 目标进程停在发起注入时的位置上。
func (t *Tracy) advanceInjection(c *Child) (bool, error) {
	ctx, err := c.getContext()
	if err != nil {
		return false, err
	}
	switch c.inj.state {
	case injPreRunning:
		// 注入调用的退出停靠：取回返回值，
		// 随后回绕现场让被顶替的原调用重新进入
		c.inj.ret = ctx.ReturnValue()
		restore := c.inj.saved
		restore.SetIP(restore.IP() - syscallInsnSize)
		restore.PrimeSyscall(c.inj.saved.SyscallNo())
		if err := restore.Flush(); err != nil {
			return false, wrapKernel(c.pid, err)
		}
		c.inj.state = injPreRestore
		return false, resumeSyscall(c)

	case injPreRestore:
		// 原调用重新进入（此停靠被吞掉），完整恢复发起时的现场
		restore := c.inj.saved
		if err := restore.Flush(); err != nil {
			return false, wrapKernel(c.pid, err)
		}
		c.inj.state = injIdle
		c.inj.done = true
		return true, nil

	case injPostEntry:
		// 注入调用的进入停靠，继续走到退出
		c.inj.state = injPostRunning
		return false, resumeSyscall(c)

	case injPostRunning:
		c.inj.ret = ctx.ReturnValue()
		restore := c.inj.saved
		if err := restore.Flush(); err != nil {
			return false, wrapKernel(c.pid, err)
		}
		c.inj.state = injIdle
		c.inj.done = true
		return true, nil
	}
	return false, nil
}

// runInjection 用私有等待循环驱动注入状态机直至完成。
// 只消化本进程的停靠，其他目标进程的事件留给事件循环。
func (c *Child) runInjection() error {
	t := c.tracy
	for c.inj.state != injIdle {
		var wstatus unix.WaitStatus
		_, err := unix.Wait4(c.pid, &wstatus, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return wrapKernel(c.pid, err)
		}
		switch {
		case wstatus.Exited(), wstatus.Signaled():
			c.inj.state = injIdle
			t.forget(c)
			return fmt.Errorf("child %d exited during injection", c.pid)
		case wstatus.Stopped():
			if wstatus.StopSignal() == syscallTrapSignal {
				if _, err := t.advanceInjection(c); err != nil {
					return err
				}
				continue
			}
			// 途中出现的信号停靠：携带信号放行，等注入调用走完
			sig := 0
			if s := wstatus.StopSignal(); s != unix.SIGTRAP {
				sig = int(s)
			}
			if err := unix.PtraceSyscall(c.pid, sig); err != nil {
				return wrapKernel(c.pid, err)
			}
		}
	}
	return nil
}

// InjectSyscall 同步注入一次系统调用并返回其结果。
// 只允许在系统调用停靠的钩子内调用；根据当前 PRE/POST 相位
// 自动选择注入方式。返回后进程的可见寄存器状态与注入前一致。
func (c *Child) InjectSyscall(nr uint64, args *SCArgs) (int64, error) {
	if c.inj.state != injIdle {
		return 0, fmt.Errorf("inject %d on %d: injection pending: %w", nr, c.pid, ErrProtocolViolation)
	}
	if err := c.injectStart(nr, args, c.preSyscall, nil); err != nil {
		return 0, err
	}
	if err := c.runInjection(); err != nil {
		return 0, err
	}
	c.inj.done = false
	return c.inj.ret, nil
}

// InjectSyscallPreStart 在 PRE 停靠处发起异步注入。
// 完成后 cb 被调用恰好一次；start 与 end 之间本进程不会
// 向控制器暴露任何中间事件。
func (c *Child) InjectSyscallPreStart(nr uint64, args *SCArgs, cb HookFunc) error {
	if !c.preSyscall || c.inj.state != injIdle {
		return fmt.Errorf("pre injection start on %d: %w", c.pid, ErrProtocolViolation)
	}
	return c.injectStart(nr, args, true, cb)
}

// InjectSyscallPreEnd 在完成回调内取回 PRE 注入的返回值
func (c *Child) InjectSyscallPreEnd() (int64, error) {
	if !c.inj.done || !c.inj.pre {
		return 0, fmt.Errorf("pre injection end on %d: %w", c.pid, ErrProtocolViolation)
	}
	c.inj.done = false
	return c.inj.ret, nil
}

// InjectSyscallPostStart 在 POST 停靠处发起异步注入
func (c *Child) InjectSyscallPostStart(nr uint64, args *SCArgs, cb HookFunc) error {
	if c.preSyscall || c.inj.state != injIdle {
		return fmt.Errorf("post injection start on %d: %w", c.pid, ErrProtocolViolation)
	}
	return c.injectStart(nr, args, false, cb)
}

// InjectSyscallPostEnd 在完成回调内取回 POST 注入的返回值
func (c *Child) InjectSyscallPostEnd() (int64, error) {
	if !c.inj.done || c.inj.pre {
		return 0, fmt.Errorf("post injection end on %d: %w", c.pid, ErrProtocolViolation)
	}
	c.inj.done = false
	return c.inj.ret, nil
}

// ModifySyscall 改写当前系统调用的调用号与参数寄存器，不做快照。
// 只在 PRE 停靠处合法。
func (c *Child) ModifySyscall(nr uint64, args *SCArgs) error {
	if !c.preSyscall {
		return fmt.Errorf("modify syscall on %d: %w", c.pid, ErrProtocolViolation)
	}
	ctx, err := c.getContext()
	if err != nil {
		return err
	}
	ctx.ChangeSyscall(nr)
	ctx.ApplyArgs(args)
	if err := ctx.Flush(); err != nil {
		return wrapKernel(c.pid, err)
	}
	return nil
}

// DenySyscall 拒绝当前系统调用：把调用号改写成不可能的值，
// 让内核不执行任何调用；匹配的 POST 停靠会被合成为
// "不允许的操作" 错误返回。只在 PRE 停靠处合法。
func (c *Child) DenySyscall() error {
	if !c.preSyscall || c.inj.state != injIdle {
		return fmt.Errorf("deny syscall on %d: %w", c.pid, ErrProtocolViolation)
	}
	ctx, err := c.getContext()
	if err != nil {
		return err
	}
	c.deniedNr = int64(ctx.SyscallNo())
	ctx.ChangeSyscall(nrIllegal)
	if err := ctx.Flush(); err != nil {
		c.deniedNr = -1
		return wrapKernel(c.pid, err)
	}
	return nil
}

// resumeSyscall 让目标进程继续运行到下一个系统调用停靠
func resumeSyscall(c *Child) error {
	if err := unix.PtraceSyscall(c.pid, 0); err != nil {
		return wrapKernel(c.pid, err)
	}
	return nil
}

// wrapKernel 包装一次失败的调试原语
func wrapKernel(pid int, err error) error {
	return fmt.Errorf("ptrace on %d: %v: %w", pid, err, ErrKernelRefused)
}
