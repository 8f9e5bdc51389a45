package tracer

import (
	"testing"
)

func TestSafeFork(t *testing.T) {
	ty := New(TraceChildren | UseSafeTrace)
	defer ty.Free()

	notified := make(map[int]bool)
	ty.ChildCreate = func(c *Child) {
		notified[c.Pid()] = true
	}
	childEvents := 0
	var root *Child
	ty.SetDefaultHook(func(e *Event) HookResult {
		pid := e.Child.Pid()
		if !notified[pid] {
			t.Errorf("event for %d before child-created notification", pid)
		}
		if root != nil && pid != root.Pid() {
			childEvents++
		}
		return HookContinue
	})

	var err error
	root, err = ty.ForkTraceExec("/bin/sh", "-c", "/bin/true; /bin/true")
	if err != nil {
		t.Fatalf("ForkTraceExec() error = %v", err)
	}
	runSession(t, ty)

	if root.SafeForkPid <= 0 {
		t.Fatalf("SafeForkPid = %d, want a forked child pid", root.SafeForkPid)
	}
	if !notified[root.SafeForkPid] {
		t.Errorf("safe-forked child %d missing from notifications", root.SafeForkPid)
	}
	if childEvents == 0 {
		t.Error("no events observed from safe-forked children")
	}
	if ty.ChildrenCount() != 0 {
		t.Errorf("ChildrenCount() = %d, want 0", ty.ChildrenCount())
	}
}
