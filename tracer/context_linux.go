//go:build linux

package tracer

import (
	"fmt"

	unix "golang.org/x/sys/unix"
)

// syscallTrapSignal 是启用 TRACESYSGOOD 后系统调用停靠携带的停止信号，
// 用来与普通的 SIGTRAP 投递区分开
const syscallTrapSignal = unix.SIGTRAP | 0x80

// nrIllegal 是"不可能"的系统调用号。把当前调用号改写成它，
// 内核会直接返回错误而不执行任何调用。
const nrIllegal = ^uint64(0)

// getTrapContext 读取 pid 当前的寄存器组并封装为上下文
func getTrapContext(pid int) (*Context, error) {
	ctx := &Context{Pid: pid}
	if err := ptraceGetRegs(pid, &ctx.regs); err != nil {
		return nil, fmt.Errorf("get regs %d: %v: %w", pid, err, ErrKernelRefused)
	}
	return ctx, nil
}

// getContext 读取目标进程当前的寄存器上下文
func (c *Child) getContext() (*Context, error) {
	return getTrapContext(c.pid)
}

// SCArgs 按架构的规范映射采集完整的参数快照
func (ctx *Context) SCArgs() SCArgs {
	return SCArgs{
		A0:         ctx.Arg0(),
		A1:         ctx.Arg1(),
		A2:         ctx.Arg2(),
		A3:         ctx.Arg3(),
		A4:         ctx.Arg4(),
		A5:         ctx.Arg5(),
		ReturnCode: ctx.ReturnValue(),
		Syscall:    ctx.SyscallNo(),
		IP:         ctx.IP(),
		SP:         ctx.SP(),
	}
}

// ApplyArgs 把六个参数写入参数寄存器
func (ctx *Context) ApplyArgs(a *SCArgs) {
	if a == nil {
		return
	}
	ctx.setArg(0, a.A0)
	ctx.setArg(1, a.A1)
	ctx.setArg(2, a.A2)
	ctx.setArg(3, a.A3)
	ctx.setArg(4, a.A4)
	ctx.setArg(5, a.A5)
}
