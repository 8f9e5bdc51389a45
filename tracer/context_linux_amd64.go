//go:build linux

package tracer

import (
	unix "golang.org/x/sys/unix"
)

/*
	x86_64 系统调用的寄存器约定：

	syscall_number -> rax（停靠时读 orig_rax，rax 已被返回值占用）
	arg0 -> rdi
	arg1 -> rsi
	arg2 -> rdx
	arg3 -> r10（注意：不是 rcx）
	arg4 -> r8
	arg5 -> r9
	return -> rax
*/

// Context 是目标进程在一次停靠时的寄存器上下文
type Context struct {
	// Pid 是上下文所属进程号
	Pid int
	// 平台相关的寄存器块
	regs unix.PtraceRegs
}

// syscallInsnSize 是 syscall 指令（0f 05）的字节宽度。
// 停靠时 rip 已越过该指令，回绕这么多字节即可让内核重新执行它。
const syscallInsnSize = 2

// trampolineCode 是安全 fork 用的跳板：一条 syscall 指令，
// 后接原地自旋（jmp -2），让未受控的一侧停留在已知位置
var trampolineCode = []byte{0x0f, 0x05, 0xeb, 0xfe}

// isForkSyscall 报告 nr 是否属于创建新进程的系统调用族
func isForkSyscall(nr uint64) bool {
	return nr == unix.SYS_FORK || nr == unix.SYS_VFORK || nr == unix.SYS_CLONE
}

// ptraceGetRegs 读取寄存器组
func ptraceGetRegs(pid int, regs *unix.PtraceRegs) error {
	return unix.PtraceGetRegs(pid, regs)
}

// SyscallNo 返回当前系统调用号
func (ctx *Context) SyscallNo() uint64 {
	return ctx.regs.Orig_rax
}

// Arg0 返回系统调用的第 1 个参数
func (ctx *Context) Arg0() uint64 { return ctx.regs.Rdi }

// Arg1 返回系统调用的第 2 个参数
func (ctx *Context) Arg1() uint64 { return ctx.regs.Rsi }

// Arg2 返回系统调用的第 3 个参数
func (ctx *Context) Arg2() uint64 { return ctx.regs.Rdx }

// Arg3 返回系统调用的第 4 个参数
func (ctx *Context) Arg3() uint64 { return ctx.regs.R10 }

// Arg4 返回系统调用的第 5 个参数
func (ctx *Context) Arg4() uint64 { return ctx.regs.R8 }

// Arg5 返回系统调用的第 6 个参数
func (ctx *Context) Arg5() uint64 { return ctx.regs.R9 }

// ReturnValue 返回返回值寄存器的当前值
func (ctx *Context) ReturnValue() int64 {
	return int64(ctx.regs.Rax)
}

// IP 返回指令指针
func (ctx *Context) IP() uint64 { return ctx.regs.Rip }

// SP 返回栈指针
func (ctx *Context) SP() uint64 { return ctx.regs.Rsp }

// SetIP 改写指令指针
func (ctx *Context) SetIP(ip uint64) { ctx.regs.Rip = ip }

// setArg 改写第 i 个参数寄存器
func (ctx *Context) setArg(i int, v uint64) {
	switch i {
	case 0:
		ctx.regs.Rdi = v
	case 1:
		ctx.regs.Rsi = v
	case 2:
		ctx.regs.Rdx = v
	case 3:
		ctx.regs.R10 = v
	case 4:
		ctx.regs.R8 = v
	case 5:
		ctx.regs.R9 = v
	}
}

// SetReturnValue 改写返回值寄存器
func (ctx *Context) SetReturnValue(v int64) {
	ctx.regs.Rax = uint64(v)
}

// ChangeSyscall 在系统调用进入停靠处改写当前调用号，
// 内核会转而执行（或拒绝执行）改写后的调用
func (ctx *Context) ChangeSyscall(nr uint64) {
	ctx.regs.Orig_rax = nr
}

// PrimeSyscall 把调用号装入入口寄存器，
// 供回绕后重新执行 syscall 指令时由内核读取
func (ctx *Context) PrimeSyscall(nr uint64) {
	ctx.regs.Rax = nr
}

// Flush 把上下文写回目标进程
func (ctx *Context) Flush() error {
	return unix.PtraceSetRegs(ctx.Pid, &ctx.regs)
}
