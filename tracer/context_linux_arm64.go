//go:build linux

package tracer

import (
	"syscall"
	"unsafe"

	unix "golang.org/x/sys/unix"
)

/*
	aarch64 系统调用的寄存器约定：

	syscall_number -> x8
	arg0..arg5 -> x0..x5
	return -> x0

	与 x86_64 不同，改写进行中的调用号不能只写 x8：
	内核在入口处已经拷走了调用号，必须通过
	PTRACE_SETREGSET + NT_ARM_SYSTEM_CALL 通知内核。
*/

// NT_ARM_SYSTEM_CALL 对应的 regset 编号，见 include/uapi/linux/elf.h
const _NT_ARM_SYSTEM_CALL = 0x404

// Context 是目标进程在一次停靠时的寄存器上下文
type Context struct {
	// Pid 是上下文所属进程号
	Pid int
	// 平台相关的寄存器块
	regs unix.PtraceRegs

	// 待写回的调用号改写，Flush 时通过 NT_ARM_SYSTEM_CALL 下发
	sysno      int32
	sysnoDirty bool
}

// syscallInsnSize 是 svc #0 指令的字节宽度。
// 停靠时 pc 已越过该指令，回绕这么多字节即可让内核重新执行它。
const syscallInsnSize = 4

// trampolineCode 是安全 fork 用的跳板：一条 svc #0 指令，
// 后接原地自旋（b .），让未受控的一侧停留在已知位置
var trampolineCode = []byte{0x01, 0x00, 0x00, 0xd4, 0x00, 0x00, 0x00, 0x14}

// isForkSyscall 报告 nr 是否属于创建新进程的系统调用族。
// aarch64 上没有独立的 fork/vfork，均通过 clone 实现。
func isForkSyscall(nr uint64) bool {
	return nr == unix.SYS_CLONE
}

// ptraceGetRegs 读取通用寄存器组
func ptraceGetRegs(pid int, regs *unix.PtraceRegs) error {
	return unix.PtraceGetRegs(pid, regs)
}

// ptraceSetSyscall 通过 NT_ARM_SYSTEM_CALL regset 改写进行中的调用号
func ptraceSetSyscall(pid int, sysno *int32) error {
	iov := unix.Iovec{Base: (*byte)(unsafe.Pointer(sysno)), Len: uint64(unsafe.Sizeof(*sysno))}
	_, _, errno := syscall.Syscall6(syscall.SYS_PTRACE, unix.PTRACE_SETREGSET,
		uintptr(pid), _NT_ARM_SYSTEM_CALL, uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// SyscallNo 返回当前系统调用号
func (ctx *Context) SyscallNo() uint64 {
	return ctx.regs.Regs[8]
}

// Arg0 返回系统调用的第 1 个参数
func (ctx *Context) Arg0() uint64 { return ctx.regs.Regs[0] }

// Arg1 返回系统调用的第 2 个参数
func (ctx *Context) Arg1() uint64 { return ctx.regs.Regs[1] }

// Arg2 返回系统调用的第 3 个参数
func (ctx *Context) Arg2() uint64 { return ctx.regs.Regs[2] }

// Arg3 返回系统调用的第 4 个参数
func (ctx *Context) Arg3() uint64 { return ctx.regs.Regs[3] }

// Arg4 返回系统调用的第 5 个参数
func (ctx *Context) Arg4() uint64 { return ctx.regs.Regs[4] }

// Arg5 返回系统调用的第 6 个参数
func (ctx *Context) Arg5() uint64 { return ctx.regs.Regs[5] }

// ReturnValue 返回返回值寄存器的当前值
func (ctx *Context) ReturnValue() int64 {
	return int64(ctx.regs.Regs[0])
}

// IP 返回指令指针
func (ctx *Context) IP() uint64 { return ctx.regs.Pc }

// SP 返回栈指针
func (ctx *Context) SP() uint64 { return ctx.regs.Sp }

// SetIP 改写指令指针
func (ctx *Context) SetIP(ip uint64) { ctx.regs.Pc = ip }

// setArg 改写第 i 个参数寄存器
func (ctx *Context) setArg(i int, v uint64) {
	if i >= 0 && i < 6 {
		ctx.regs.Regs[i] = v
	}
}

// SetReturnValue 改写返回值寄存器
func (ctx *Context) SetReturnValue(v int64) {
	ctx.regs.Regs[0] = uint64(v)
}

// ChangeSyscall 在系统调用进入停靠处改写当前调用号
func (ctx *Context) ChangeSyscall(nr uint64) {
	ctx.regs.Regs[8] = nr
	ctx.sysno = int32(nr)
	ctx.sysnoDirty = true
}

// PrimeSyscall 把调用号装入 x8，
// 供回绕后重新执行 svc 指令时由内核读取
func (ctx *Context) PrimeSyscall(nr uint64) {
	ctx.regs.Regs[8] = nr
}

// Flush 把上下文写回目标进程
func (ctx *Context) Flush() error {
	if err := unix.PtraceSetRegs(ctx.Pid, &ctx.regs); err != nil {
		return err
	}
	if ctx.sysnoDirty {
		if err := ptraceSetSyscall(ctx.Pid, &ctx.sysno); err != nil {
			return err
		}
		ctx.sysnoDirty = false
	}
	return nil
}
