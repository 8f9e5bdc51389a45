// tracy 是跟踪引擎的演示驱动：
// 启动或附加一个目标进程，打印它的系统调用流，
// 并可按名称拒绝指定的系统调用。
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zqzqsb/tracy/pkg/pipe"
	"github.com/zqzqsb/tracy/tracer"
)

var (
	traceChildren bool
	safeTrace     bool
	verbose       bool
	denySyscalls  []string
	outputLimit   int64
	attachPid     int
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "tracy",
		Short:         "基于 ptrace 的系统调用跟踪器",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd := &cobra.Command{
		Use:   "run -- prog [args...]",
		Short: "启动并跟踪一个程序",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(args)
		},
	}
	runCmd.Flags().BoolVar(&traceChildren, "trace-children", false, "跟踪 fork/clone 出的子进程")
	runCmd.Flags().BoolVar(&safeTrace, "safe", false, "用安全 fork 协议跟踪子进程")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "输出引擎调试信息")
	runCmd.Flags().StringSliceVar(&denySyscalls, "deny", nil, "按名称拒绝的系统调用")
	runCmd.Flags().Int64Var(&outputLimit, "output-limit", 0, "收集目标进程输出的字节上限，0 表示直通")

	attachCmd := &cobra.Command{
		Use:   "attach --pid <pid>",
		Short: "附加到一个已存在的进程",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(attachPid)
		},
	}
	attachCmd.Flags().IntVar(&attachPid, "pid", 0, "目标进程号")
	attachCmd.MarkFlagRequired("pid")
	attachCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "输出引擎调试信息")

	rootCmd.AddCommand(runCmd, attachCmd)
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func sessionOptions() tracer.Option {
	opt := tracer.Option(0)
	if traceChildren {
		opt |= tracer.TraceChildren
	}
	if safeTrace {
		opt |= tracer.TraceChildren | tracer.UseSafeTrace
	}
	if verbose {
		opt |= tracer.Verbose
	}
	return opt
}

// installHooks 注册演示钩子：兜底钩子打印调用流，
// --deny 指定的调用在 PRE 半段被拒绝
func installHooks(t *tracer.Tracy) error {
	for _, name := range denySyscalls {
		if err := t.SetHook(name, func(e *tracer.Event) tracer.HookResult {
			if e.Child.PreSyscall() {
				if err := e.Child.DenySyscall(); err != nil {
					logrus.Warn("deny failed: ", err)
				}
			}
			return tracer.HookContinue
		}); err != nil {
			return err
		}
	}
	t.SetDefaultHook(func(e *tracer.Event) tracer.HookResult {
		name, err := tracer.GetSyscallName(e.SyscallNum)
		if err != nil {
			name = fmt.Sprintf("sys_%d", e.SyscallNum)
		}
		if e.Child.PreSyscall() {
			logrus.Infof("[%d] %s(%#x, %#x, %#x, ...)",
				e.Child.Pid(), name, e.Args.A0, e.Args.A1, e.Args.A2)
		} else {
			logrus.Infof("[%d] %s = %d", e.Child.Pid(), name, e.Args.ReturnCode)
		}
		return tracer.HookContinue
	})
	return nil
}

func runTrace(argv []string) error {
	t := tracer.New(sessionOptions())
	defer t.Free()

	t.ChildCreate = func(c *tracer.Child) {
		logrus.Info("child created: ", c.Pid())
	}
	if err := installHooks(t); err != nil {
		return err
	}

	cfg := &tracer.TraceeConfig{Args: argv}
	var buf *pipe.Buffer
	if outputLimit > 0 {
		b, err := pipe.NewBuffer(outputLimit)
		if err != nil {
			return err
		}
		buf = b
		cfg.Files = []uintptr{0, b.W.Fd(), b.W.Fd()}
	}

	if _, err := t.ForkTraceExecConfig(cfg); err != nil {
		return err
	}
	if buf != nil {
		// 写入端交给了目标进程，父进程一侧关闭自己的引用
		buf.W.Close()
	}

	err := t.Main()
	if buf != nil {
		<-buf.Done
		os.Stdout.Write(buf.Buffer.Bytes())
	}
	return err
}

func runAttach(pid int) error {
	t := tracer.New(sessionOptions())
	defer t.Free()

	if err := installHooks(t); err != nil {
		return err
	}
	if _, err := t.Attach(pid); err != nil {
		return err
	}
	return t.Main()
}
