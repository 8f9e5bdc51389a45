package tracer

import (
	"errors"
	"os"
	"testing"

	"github.com/zqzqsb/tracy/pkg/seccomp/libseccomp"
)

func TestInjectSyscall(t *testing.T) {
	ty := New(0)
	defer ty.Free()

	nrGetuid, err := libseccomp.ToSyscallNumber("getuid")
	if err != nil {
		t.Fatal(err)
	}

	injected := int64(-1)
	ty.SetHook("exit_group", func(e *Event) HookResult {
		if e.Child.PreSyscall() && injected < 0 {
			ret, err := e.Child.InjectSyscall(nrGetuid, &SCArgs{})
			if err != nil {
				t.Errorf("InjectSyscall() error = %v", err)
				return HookContinue
			}
			injected = ret
			// 注入完成后可见寄存器状态应当与注入前一致
			ctx, err := e.Child.getContext()
			if err != nil {
				t.Errorf("getContext() error = %v", err)
			} else if ctx.SyscallNo() != e.SyscallNum {
				t.Errorf("syscall after injection = %d, want %d", ctx.SyscallNo(), e.SyscallNum)
			}
		}
		return HookContinue
	})

	if _, err := ty.ForkTraceExec("/bin/true"); err != nil {
		t.Fatalf("ForkTraceExec() error = %v", err)
	}
	runSession(t, ty)

	if injected != int64(os.Getuid()) {
		t.Errorf("injected getuid = %d, want %d", injected, os.Getuid())
	}
}

func TestInjectAsyncPre(t *testing.T) {
	ty := New(0)
	defer ty.Free()

	nrGetuid, err := libseccomp.ToSyscallNumber("getuid")
	if err != nil {
		t.Fatal(err)
	}

	started := false
	calls := 0
	ret := int64(-1)
	ty.SetHook("exit_group", func(e *Event) HookResult {
		if e.Child.PreSyscall() && !started {
			started = true
			err := e.Child.InjectSyscallPreStart(nrGetuid, &SCArgs{}, func(e *Event) HookResult {
				calls++
				v, err := e.Child.InjectSyscallPreEnd()
				if err != nil {
					t.Errorf("InjectSyscallPreEnd() error = %v", err)
					return HookContinue
				}
				ret = v
				return HookContinue
			})
			if err != nil {
				t.Errorf("InjectSyscallPreStart() error = %v", err)
			}
		}
		return HookContinue
	})

	if _, err := ty.ForkTraceExec("/bin/true"); err != nil {
		t.Fatalf("ForkTraceExec() error = %v", err)
	}
	runSession(t, ty)

	if !started {
		t.Fatal("tracee never reached exit_group")
	}
	if calls != 1 {
		t.Fatalf("completion callback invoked %d times, want 1", calls)
	}
	if ret != int64(os.Getuid()) {
		t.Errorf("async injected getuid = %d, want %d", ret, os.Getuid())
	}
}

func TestInjectionProtocolViolations(t *testing.T) {
	ty := New(0)
	defer ty.Free()

	checked := false
	ty.SetHook("exit_group", func(e *Event) HookResult {
		if !e.Child.PreSyscall() || checked {
			return HookContinue
		}
		checked = true
		// PRE 停靠处不允许发起 POST 注入
		if err := e.Child.InjectSyscallPostStart(0, nil, nil); !errors.Is(err, ErrProtocolViolation) {
			t.Errorf("InjectSyscallPostStart() at PRE: error = %v, want ErrProtocolViolation", err)
		}
		// 没有完成的注入可收尾
		if _, err := e.Child.InjectSyscallPreEnd(); !errors.Is(err, ErrProtocolViolation) {
			t.Errorf("InjectSyscallPreEnd() without start: error = %v, want ErrProtocolViolation", err)
		}
		return HookContinue
	})

	if _, err := ty.ForkTraceExec("/bin/true"); err != nil {
		t.Fatalf("ForkTraceExec() error = %v", err)
	}
	runSession(t, ty)

	if !checked {
		t.Fatal("tracee never reached exit_group")
	}
}
