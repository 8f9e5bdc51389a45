// Package tracer 实现了基于 ptrace 的进程跟踪引擎：
// 它跟踪一个或多个目标进程，拦截其发出的每个系统调用，
// 并允许控制程序观察、修改、拒绝或注入系统调用。
package tracer

// EventType 是 WaitEvent 返回的事件分类
type EventType int

// 事件类型常量（数值固定，跨版本保持稳定）
const (
	// EventNone 表示没有事件
	EventNone EventType = iota + 1
	// EventSyscall 表示一次系统调用停靠（PRE 或 POST 半段）
	EventSyscall
	// EventSignal 表示目标进程收到了一个信号
	EventSignal
	// EventInternal 表示内部停靠（如 exec 通知），控制器直接放行即可
	EventInternal
	// EventQuit 表示某个目标进程退出；Child 为 nil 时表示会话中已无目标进程
	EventQuit
)

// HookResult 是钩子函数的返回值，决定引擎接下来的动作
type HookResult int

const (
	// HookContinue 表示一切正常，继续执行目标进程
	HookContinue HookResult = iota
	// HookKillChild 表示应当终止该目标进程
	HookKillChild
	// HookAbort 表示终止所有目标进程并结束会话
	HookAbort
	// HookNoHook 表示该系统调用没有注册钩子
	HookNoHook
)

// HookFunc 是控制器提供的钩子函数，在每个匹配的系统调用事件上被调用
type HookFunc func(e *Event) HookResult

// ChildCreation 在新目标进程被纳入管理时回调。
// 此时不允许注入系统调用，也不应当读写该进程的 LastEvent；
// 如需操作，等待该进程的第一个事件即可（事件一定在本回调之后到达）。
type ChildCreation func(c *Child)

// SCArgs 是一次系统调用的参数快照：
// 六个参数寄存器、返回值寄存器、调用号、指令指针和栈指针，
// 全部按照目标架构的规范映射采集。
type SCArgs struct {
	A0, A1, A2, A3, A4, A5 uint64
	ReturnCode             int64
	Syscall                uint64
	IP, SP                 uint64
}

// Event 描述 WaitEvent 观察到的一次停靠
type Event struct {
	// Type 是事件分类
	Type EventType
	// Child 是事件所属的目标进程；会话级 quit 事件中为 nil
	Child *Child
	// SyscallNum 是系统调用号（仅系统调用事件有效）
	SyscallNum uint64
	// SignalNum 是信号编号（仅信号事件有效）
	SignalNum int
	// Args 是参数寄存器快照
	Args SCArgs
}
