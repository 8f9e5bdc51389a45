package tracer

import (
	"testing"

	unix "golang.org/x/sys/unix"

	"github.com/zqzqsb/tracy/pkg/seccomp/libseccomp"
)

// runSession 驱动会话直到所有目标进程退出
func runSession(t *testing.T, ty *Tracy) {
	t.Helper()
	for {
		ev, err := ty.WaitEvent(-1)
		if err != nil {
			t.Fatalf("WaitEvent() error = %v", err)
		}
		if ev.Type == EventQuit {
			if ev.Child == nil {
				return
			}
			continue
		}
		if err := ty.Continue(ev, 0); err != nil {
			t.Logf("Continue() error = %v", err)
		}
	}
}

func TestTraceTrue(t *testing.T) {
	ty := New(0)
	defer ty.Free()

	type rec struct {
		pid int
		pre bool
	}
	var seq []rec
	ty.SetDefaultHook(func(e *Event) HookResult {
		seq = append(seq, rec{e.Child.Pid(), e.Child.PreSyscall()})
		return HookContinue
	})

	if _, err := ty.ForkTraceExec("/bin/true"); err != nil {
		t.Fatalf("ForkTraceExec() error = %v", err)
	}
	runSession(t, ty)

	if ty.ChildrenCount() != 0 {
		t.Errorf("ChildrenCount() = %d, want 0", ty.ChildrenCount())
	}
	if len(seq) == 0 {
		t.Fatal("no syscall events observed")
	}
	// 每个进程的事件序列 PRE/POST 交替，自 PRE 始
	last := make(map[int]bool)
	for i, r := range seq {
		if want := !last[r.pid]; r.pre != want {
			t.Fatalf("event %d on %d: pre = %v, want %v", i, r.pid, r.pre, want)
		}
		last[r.pid] = r.pre
	}
}

func TestDenySyscall(t *testing.T) {
	ty := New(0)
	defer ty.Free()

	nrClose, err := libseccomp.ToSyscallNumber("close")
	if err != nil {
		t.Fatal(err)
	}

	denied := false
	var postRet int64
	var postNr uint64
	gotPost := false
	ty.SetHook("close", func(e *Event) HookResult {
		if e.Child.PreSyscall() {
			if !denied {
				denied = true
				if err := e.Child.DenySyscall(); err != nil {
					t.Errorf("DenySyscall() error = %v", err)
				}
			}
		} else if denied && !gotPost {
			gotPost = true
			postRet = e.Args.ReturnCode
			postNr = e.SyscallNum
		}
		return HookContinue
	})

	if _, err := ty.ForkTraceExec("/bin/true"); err != nil {
		t.Fatalf("ForkTraceExec() error = %v", err)
	}
	runSession(t, ty)

	if !denied {
		t.Skip("tracee made no close call")
	}
	if !gotPost {
		t.Fatal("denied syscall produced no POST event")
	}
	if postRet != -int64(unix.EPERM) {
		t.Errorf("denied return = %d, want %d", postRet, -int64(unix.EPERM))
	}
	if postNr != nrClose {
		t.Errorf("denied POST syscall = %d, want %d", postNr, nrClose)
	}
}

func TestTraceChildrenAdoption(t *testing.T) {
	ty := New(TraceChildren)
	defer ty.Free()

	notified := make(map[int]bool)
	ty.ChildCreate = func(c *Child) {
		notified[c.Pid()] = true
	}
	sawEvent := make(map[int]bool)
	ty.SetDefaultHook(func(e *Event) HookResult {
		pid := e.Child.Pid()
		if !notified[pid] {
			t.Errorf("event for %d before child-created notification", pid)
		}
		sawEvent[pid] = true
		return HookContinue
	})

	root, err := ty.ForkTraceExec("/bin/sh", "-c", "/bin/true; /bin/true")
	if err != nil {
		t.Fatalf("ForkTraceExec() error = %v", err)
	}
	runSession(t, ty)

	if len(notified) < 2 {
		t.Fatalf("notified children = %d, want at least root and one fork", len(notified))
	}
	childSeen := false
	for pid := range sawEvent {
		if pid != root.Pid() {
			childSeen = true
		}
	}
	if !childSeen {
		t.Error("no events observed from forked children")
	}
	if ty.ChildrenCount() != 0 {
		t.Errorf("ChildrenCount() = %d, want 0", ty.ChildrenCount())
	}
}
