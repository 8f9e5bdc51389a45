//go:build linux

package tracer

import (
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
	unix "golang.org/x/sys/unix"

	"github.com/zqzqsb/tracy/pkg/seccomp/libseccomp"
)

// Option 是会话选项位集，各选项可按位组合
type Option uint64

const (
	// TraceChildren 自动收养目标进程通过 fork/vfork/clone 创建的子进程
	TraceChildren Option = 1 << 0
	// Verbose 输出调试诊断信息
	Verbose Option = 1 << 1
	// UseSafeTrace 不信任内核在 fork 上的自动附加能力，
	// 改用受控的安全 fork 协议跟踪新进程
	UseSafeTrace Option = 1 << 31
)

// Tracy 是一个跟踪会话：持有全部目标进程、系统调用钩子注册表
// 以及最初 fork 出来的根进程号。
//
// 会话自创建起绑定到当前 OS 线程（ptrace 要求所有请求来自同一线程），
// 因此对同一会话的全部调用必须发生在创建它的 goroutine 上。
type Tracy struct {
	children map[int]*Child
	hooks    map[uint64]HookFunc
	defHook  HookFunc
	fpid     int
	opt      Option

	// ChildCreate 在新目标进程纳入管理时回调，可为 nil
	ChildCreate ChildCreation

	log *logrus.Entry
}

// New 创建一个跟踪会话并锁定当前 OS 线程
func New(opt Option) *Tracy {
	runtime.LockOSThread()
	return &Tracy{
		children: make(map[int]*Child),
		hooks:    make(map[uint64]HookFunc),
		opt:      opt,
		log:      makeLogger(opt&Verbose != 0),
	}
}

// makeLogger 构造会话日志器；verbose 关闭时仅保留 panic 级别
func makeLogger(verbose bool) *logrus.Entry {
	logger := logrus.New().WithField("layer", "tracer")
	logger.Logger.Level = logrus.PanicLevel
	if verbose {
		logger.Logger.Level = logrus.DebugLevel
	}
	return logger
}

// Fpid 返回会话根进程号（第一个通过 ForkTraceExec 创建的目标进程）
func (t *Tracy) Fpid() int {
	return t.fpid
}

// ChildrenCount 返回当前处于管理之下的目标进程数量
func (t *Tracy) ChildrenCount() int {
	return len(t.children)
}

// SetHook 为名为 name 的系统调用注册钩子。
// 名称通过当前架构的系统调用表解析为调用号；重复注册时后者生效。
func (t *Tracy) SetHook(name string, fn HookFunc) error {
	nr, err := libseccomp.ToSyscallNumber(name)
	if err != nil {
		return err
	}
	t.hooks[nr] = fn
	return nil
}

// SetDefaultHook 注册兜底钩子，在系统调用没有专属钩子时被调用
func (t *Tracy) SetDefaultHook(fn HookFunc) {
	t.defHook = fn
}

// ExecuteHook 按名称执行钩子并返回钩子的返回值；
// 若既无专属钩子也无兜底钩子，返回 HookNoHook
func (t *Tracy) ExecuteHook(name string, e *Event) (HookResult, error) {
	nr, err := libseccomp.ToSyscallNumber(name)
	if err != nil {
		return HookNoHook, err
	}
	return t.execHook(nr, e), nil
}

// execHook 按调用号分发钩子：专属钩子优先，缺席时退回兜底钩子
func (t *Tracy) execHook(nr uint64, e *Event) HookResult {
	if fn, ok := t.hooks[nr]; ok {
		return fn(e)
	}
	if t.defHook != nil {
		return t.defHook(e)
	}
	return HookNoHook
}

// Free 结束会话：杀死 fork 出来的目标进程，脱离附加来的目标进程，
// 并释放所有内存窗口资源。先固定进程号集合再逐一处理，
// 保证每个目标进程恰好被访问一次。
func (t *Tracy) Free() {
	pids := make([]int, 0, len(t.children))
	for pid := range t.children {
		pids = append(pids, pid)
	}
	for _, pid := range pids {
		c := t.children[pid]
		if c == nil {
			continue
		}
		if c.attached {
			t.log.Debug("detaching from child: ", pid)
			_ = unix.PtraceDetach(pid)
		} else {
			t.log.Debug("killing child: ", pid)
			_ = unix.Kill(pid, unix.SIGKILL)
			reap(pid)
		}
		t.forget(c)
	}
}

// Quit 结束会话并以 exitcode 终止控制进程本身。
// 如果只想释放会话，使用 Free。
func (t *Tracy) Quit(exitcode int) {
	t.Free()
	os.Exit(exitcode)
}

// Main 是一个简易事件循环，便于快速部署：
// 反复等待事件、放行目标进程，直到会话中不再有目标进程。
// 钩子在 WaitEvent 内部分发，其破坏性返回值也在那里生效。
func (t *Tracy) Main() error {
	for {
		ev, err := t.WaitEvent(-1)
		if err != nil {
			return err
		}
		switch ev.Type {
		case EventQuit:
			if ev.Child == nil {
				return nil
			}
			continue
		case EventNone:
			continue
		}
		if err := t.Continue(ev, 0); err != nil {
			t.log.Debug("continue failed: ", err)
		}
	}
}

// GetSyscallName 返回系统调用号对应的名称
func GetSyscallName(nr uint64) (string, error) {
	return libseccomp.ToSyscallName(nr)
}

// GetSignalName 返回信号编号对应的名称，未知信号返回空串
func GetSignalName(sig int) string {
	return unix.SignalName(unix.Signal(sig))
}

// reap 回收一个已被杀死的子进程，避免留下僵尸
func reap(pid int) {
	var wstatus unix.WaitStatus
	_, err := unix.Wait4(pid, &wstatus, 0, nil)
	for err == unix.EINTR {
		_, err = unix.Wait4(pid, &wstatus, 0, nil)
	}
}
