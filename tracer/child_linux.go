//go:build linux

package tracer

import (
	"fmt"
	"os"

	unix "golang.org/x/sys/unix"

	"github.com/zqzqsb/tracy/pkg/forkexec"
	"github.com/zqzqsb/tracy/pkg/rlimit"
	"github.com/zqzqsb/tracy/pkg/seccomp"
)

// Child 是一个处于跟踪之下的目标进程
type Child struct {
	pid int

	// attached 表示该进程是通过附加（而非 fork）获得的。
	// 附加来的进程在会话结束时只脱离、不杀死；
	// 该标志会被其后代继承。先于 fork 通知被收养的进程以 false 入场，
	// 通知到达时才改写为父进程的值，此后保持不变。
	attached bool

	// preSyscall 在系统调用停靠状态机中编码 PRE/POST 位置：
	// true 表示当前（或最近一次）停靠是 PRE 半段
	preSyscall bool

	// mem 是懒打开的 /proc/<pid>/mem 描述符，nil 表示尚未打开
	mem *os.File

	// deniedNr 记录最近一次被拒绝的系统调用号，-1 表示没有；
	// 用于在下一个 POST 停靠上合成拒绝结果
	deniedNr int64

	// Custom 是控制器自有的记账槽位，引擎不读不写也不释放
	Custom interface{}

	// inj 是注入状态机记录
	inj injectData

	// LastEvent 是该进程最近一次被观察到的事件（内联值，避免循环引用）
	LastEvent Event

	// SafeForkPid 保存最近一次经安全 fork 协议收养的子进程号
	SafeForkPid int

	// 会话反向引用（非所有权；会话的生命周期长于所有目标进程）
	tracy *Tracy
}

// Pid 返回目标进程号
func (c *Child) Pid() int { return c.pid }

// Attached 报告该进程是否通过附加获得
func (c *Child) Attached() bool { return c.attached }

// PreSyscall 报告该进程当前的系统调用停靠是否处于 PRE 半段
func (c *Child) PreSyscall() bool { return c.preSyscall }

// newChild 构造目标进程记录；不负责设置 ptrace 选项或纳入注册表
func (t *Tracy) newChild(pid int, attached bool) *Child {
	return &Child{
		pid:         pid,
		attached:    attached,
		deniedNr:    -1,
		SafeForkPid: -1,
		tracy:       t,
	}
}

// admit 将目标进程纳入注册表并触发创建回调。
// 回调先于该进程的任何事件到达控制器。
func (t *Tracy) admit(c *Child) {
	t.children[c.pid] = c
	if t.ChildCreate != nil {
		t.ChildCreate(c)
	}
}

// forget 将目标进程移出注册表并释放其内存窗口资源
func (t *Tracy) forget(c *Child) {
	if c.mem != nil {
		c.mem.Close()
		c.mem = nil
	}
	delete(t.children, c.pid)
}

// setPtraceOptions 设置目标进程的内核跟踪选项。
// 每个目标进程在第一次停靠之后、恢复运行之前恰好设置一次。
// 启用安全 fork 协议时不使用内核的 fork 自动附加通知。
func (t *Tracy) setPtraceOptions(pid int) error {
	opts := unix.PTRACE_O_TRACESYSGOOD | unix.PTRACE_O_TRACEEXEC
	if t.opt&TraceChildren != 0 && t.opt&UseSafeTrace == 0 {
		opts |= unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK | unix.PTRACE_O_TRACECLONE
	}
	if err := unix.PtraceSetOptions(pid, opts); err != nil {
		return fmt.Errorf("set ptrace options on %d: %w", pid, ErrKernelRefused)
	}
	return nil
}

// TraceeConfig 控制 ForkTraceExecConfig 启动目标进程的方式
type TraceeConfig struct {
	// Args 是要执行的命令及其参数，Args[0] 是程序路径
	Args []string
	// Env 是环境变量，空则继承控制进程的环境
	Env []string
	// Files 是文件描述符映射（0、1、2 对应标准输入输出），空则继承
	Files []uintptr
	// WorkDir 是工作目录，空则不切换
	WorkDir string
	// RLimits 是 execve 之前应用到目标进程的资源限制
	RLimits []rlimit.RLimit
	// Filter 是可选的 seccomp 过滤器，在 execve 之前装载
	Filter seccomp.Filter
}

// ForkTraceExec 创建目标进程并执行 argv，使其在跟踪之下运行。
// 返回的进程已被纳入管理并恢复执行，第一个系统调用事件随后到达。
func (t *Tracy) ForkTraceExec(argv ...string) (*Child, error) {
	return t.ForkTraceExecConfig(&TraceeConfig{Args: argv})
}

// ForkTraceExecConfig 与 ForkTraceExec 相同，但允许配置环境、
// 文件描述符、资源限制和 seccomp 过滤器
func (t *Tracy) ForkTraceExecConfig(cfg *TraceeConfig) (*Child, error) {
	if len(cfg.Args) == 0 {
		return nil, fmt.Errorf("fork trace exec: empty argv")
	}
	env := cfg.Env
	if env == nil {
		env = os.Environ()
	}
	files := cfg.Files
	if files == nil {
		files = []uintptr{0, 1, 2}
	}
	r := forkexec.Runner{
		Args:    cfg.Args,
		Env:     env,
		Files:   files,
		WorkDir: cfg.WorkDir,
		RLimits: cfg.RLimits,
		Ptrace:  true,
	}
	if cfg.Filter != nil {
		r.Seccomp = cfg.Filter.SockFprog()
	}

	pid, err := r.Start()
	if err != nil {
		return nil, fmt.Errorf("fork trace exec: %w", err)
	}
	t.log.Debug("forked child: ", pid)

	// 等待子进程的首次停靠（TRACEME 后的 execve 陷阱，
	// 或装载过滤器前的自停），随后设置跟踪选项并放行
	if err := waitStop(pid); err != nil {
		unix.Kill(pid, unix.SIGKILL)
		reap(pid)
		return nil, err
	}
	if err := t.setPtraceOptions(pid); err != nil {
		unix.Kill(pid, unix.SIGKILL)
		reap(pid)
		return nil, err
	}

	if t.fpid == 0 {
		t.fpid = pid
	}
	c := t.newChild(pid, false)
	t.admit(c)

	if err := unix.PtraceSyscall(pid, 0); err != nil {
		t.forget(c)
		return nil, fmt.Errorf("resume %d: %w", pid, ErrKernelRefused)
	}
	return c, nil
}

// Attach 附加到一个已存在的进程并将其纳入管理。
// 对不存在的进程号返回包装了 ErrKernelRefused 的错误。
func (t *Tracy) Attach(pid int) (*Child, error) {
	if err := unix.PtraceAttach(pid); err != nil {
		return nil, fmt.Errorf("attach %d: %v: %w", pid, err, ErrKernelRefused)
	}
	if err := waitStop(pid); err != nil {
		return nil, err
	}
	if err := t.setPtraceOptions(pid); err != nil {
		return nil, err
	}
	c := t.newChild(pid, true)
	t.admit(c)
	if err := unix.PtraceSyscall(pid, 0); err != nil {
		t.forget(c)
		return nil, fmt.Errorf("resume %d: %w", pid, ErrKernelRefused)
	}
	t.log.Debug("attached to child: ", pid)
	return c, nil
}

// KillChild 杀死目标进程并将其移出管理
func (c *Child) KillChild() error {
	t := c.tracy
	if err := unix.Kill(c.pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("kill %d: %v: %w", c.pid, err, ErrKernelRefused)
	}
	reap(c.pid)
	t.forget(c)
	t.log.Debug("killed child: ", c.pid)
	return nil
}

// RemoveChild 将目标进程移出管理而不杀死它；
// 附加来的进程会先被脱离
func (c *Child) RemoveChild() error {
	if c.attached {
		_ = unix.PtraceDetach(c.pid)
	}
	c.tracy.forget(c)
	return nil
}

// waitStop 阻塞到 pid 进入停止态。进程在此期间退出视为失败。
func waitStop(pid int) error {
	for {
		var wstatus unix.WaitStatus
		_, err := unix.Wait4(pid, &wstatus, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("wait4 %d: %v: %w", pid, err, ErrKernelRefused)
		}
		if wstatus.Exited() || wstatus.Signaled() {
			return fmt.Errorf("child %d exited before tracing began", pid)
		}
		if wstatus.Stopped() {
			return nil
		}
	}
}
