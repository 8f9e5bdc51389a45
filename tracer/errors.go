package tracer

import "errors"

// 引擎对外暴露的错误类别。
// 具体错误通过 fmt.Errorf("...: %w", Err...) 包装，调用方用 errors.Is 判别。
var (
	// ErrKernelRefused 表示内核拒绝了一个调试原语（ptrace 返回错误），
	// 对该目标进程而言通常是致命的
	ErrKernelRefused = errors.New("kernel refused ptrace request")

	// ErrMemoryAccess 表示对目标进程地址空间的读写失败，
	// 不影响目标进程本身，由调用方自行处理
	ErrMemoryAccess = errors.New("tracee memory access failed")

	// ErrProtocolViolation 表示在不合法的 PRE/POST 上下文中发起了
	// 注入、拒绝或修改操作；该操作失败，但目标进程不受影响
	ErrProtocolViolation = errors.New("operation outside legal syscall-stop context")
)
