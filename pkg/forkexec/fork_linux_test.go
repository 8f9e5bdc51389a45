package forkexec

import (
	"runtime"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

func TestStartPtrace(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r := Runner{
		Args:   []string{"/bin/true"},
		Env:    []string{"PATH=/bin:/usr/bin"},
		Files:  []uintptr{0, 1, 2},
		Ptrace: true,
	}
	pid, err := r.Start()
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// 子进程 TRACEME 后在 execve 处停下
	var wstatus unix.WaitStatus
	if _, err := unix.Wait4(pid, &wstatus, unix.WALL, nil); err != nil {
		t.Fatalf("Wait4() error = %v", err)
	}
	if !wstatus.Stopped() {
		t.Fatalf("child status = %#x, want stopped", wstatus)
	}

	// 放开跟踪让它跑完
	if err := unix.PtraceDetach(pid); err != nil {
		t.Fatalf("PtraceDetach() error = %v", err)
	}
	if _, err := unix.Wait4(pid, &wstatus, 0, nil); err != nil {
		t.Fatalf("Wait4() error = %v", err)
	}
	if !wstatus.Exited() || wstatus.ExitStatus() != 0 {
		t.Errorf("child status = %#x, want clean exit", wstatus)
	}
}

func TestStartBadPath(t *testing.T) {
	r := Runner{
		Args:  []string{"/no/such/binary"},
		Env:   []string{},
		Files: []uintptr{0, 1, 2},
	}
	if _, err := r.Start(); err == nil {
		t.Fatal("Start() with bad path: expected error")
	} else if ce, ok := err.(ChildError); ok {
		if ce.Location != LocExecve || ce.Err != syscall.ENOENT {
			t.Errorf("Start() error = %v, want execve: no such file", ce)
		}
	}
}
