package tracer

import (
	"errors"
	"testing"

	"github.com/zqzqsb/tracy/pkg/seccomp/libseccomp"
)

func TestHookRegistry(t *testing.T) {
	ty := New(0)

	// 未注册任何钩子
	res, err := ty.ExecuteHook("write", &Event{})
	if err != nil {
		t.Fatalf("ExecuteHook() error = %v", err)
	}
	if res != HookNoHook {
		t.Errorf("ExecuteHook() = %v, want HookNoHook", res)
	}

	// 重复注册时后者生效
	if err := ty.SetHook("write", func(e *Event) HookResult { return HookKillChild }); err != nil {
		t.Fatalf("SetHook() error = %v", err)
	}
	if err := ty.SetHook("write", func(e *Event) HookResult { return HookContinue }); err != nil {
		t.Fatalf("SetHook() error = %v", err)
	}
	res, err = ty.ExecuteHook("write", &Event{})
	if err != nil {
		t.Fatalf("ExecuteHook() error = %v", err)
	}
	if res != HookContinue {
		t.Errorf("ExecuteHook() = %v, want HookContinue", res)
	}
	if ty.ChildrenCount() != 0 {
		t.Errorf("ChildrenCount() = %d, want 0", ty.ChildrenCount())
	}

	// 兜底钩子在专属钩子缺席时生效
	ty.SetDefaultHook(func(e *Event) HookResult { return HookAbort })
	res, err = ty.ExecuteHook("read", &Event{})
	if err != nil {
		t.Fatalf("ExecuteHook() error = %v", err)
	}
	if res != HookAbort {
		t.Errorf("ExecuteHook() = %v, want HookAbort", res)
	}

	// 不存在的系统调用名
	if err := ty.SetHook("not_a_syscall", nil); err == nil {
		t.Error("SetHook() with invalid name: expected error")
	}
}

func TestSyscallNames(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"write", false},
		{"openat", false},
		{"no_such_call", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nr, err := libseccomp.ToSyscallNumber(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ToSyscallNumber(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			back, err := GetSyscallName(nr)
			if err != nil {
				t.Fatalf("GetSyscallName(%d) error = %v", nr, err)
			}
			if back != tt.name {
				t.Errorf("GetSyscallName(%d) = %q, want %q", nr, back, tt.name)
			}
		})
	}
}

func TestGetSignalName(t *testing.T) {
	if name := GetSignalName(9); name != "SIGKILL" {
		t.Errorf("GetSignalName(9) = %q, want SIGKILL", name)
	}
}

func TestWaitEventEmpty(t *testing.T) {
	ty := New(0)
	ev, err := ty.WaitEvent(-1)
	if err != nil {
		t.Fatalf("WaitEvent() error = %v", err)
	}
	if ev.Type != EventQuit || ev.Child != nil {
		t.Errorf("WaitEvent() = %+v, want session quit event", ev)
	}
}

func TestAttachBadPid(t *testing.T) {
	ty := New(0)
	// 超出 pid_max 的进程号必然不存在
	_, err := ty.Attach(1 << 26)
	if err == nil {
		t.Fatal("Attach() with bad pid: expected error")
	}
	if !errors.Is(err, ErrKernelRefused) {
		t.Errorf("Attach() error = %v, want ErrKernelRefused", err)
	}
}
