package tracer

import (
	"bytes"
	"testing"
)

func TestReadWriteMem(t *testing.T) {
	ty := New(0)
	defer ty.Free()

	var captured []byte
	roundTrip := false
	wordTrip := false
	ty.SetHook("write", func(e *Event) HookResult {
		// 只看写到标准输出的第一笔数据
		if !e.Child.PreSyscall() || e.Args.A0 != 1 || captured != nil {
			return HookContinue
		}
		n := int(e.Args.A2)
		if n > 64 {
			n = 64
		}
		addr := uintptr(e.Args.A1)

		buf := make([]byte, n)
		if _, err := e.Child.ReadMem(buf, addr); err != nil {
			t.Errorf("ReadMem() error = %v", err)
			return HookContinue
		}
		captured = buf

		// 写回原数据并重读，验证字节级往返
		if _, err := e.Child.WriteMem(buf, addr); err != nil {
			t.Errorf("WriteMem() error = %v", err)
			return HookContinue
		}
		again := make([]byte, n)
		if _, err := e.Child.ReadMem(again, addr); err != nil {
			t.Errorf("ReadMem() after write error = %v", err)
			return HookContinue
		}
		roundTrip = bytes.Equal(buf, again)

		// 字粒度的往返
		w, err := e.Child.PeekWord(addr)
		if err != nil {
			t.Errorf("PeekWord() error = %v", err)
			return HookContinue
		}
		if err := e.Child.PokeWord(addr, w); err != nil {
			t.Errorf("PokeWord() error = %v", err)
			return HookContinue
		}
		w2, err := e.Child.PeekWord(addr)
		if err != nil {
			t.Errorf("PeekWord() after poke error = %v", err)
			return HookContinue
		}
		wordTrip = w == w2
		return HookContinue
	})

	if _, err := ty.ForkTraceExec("/bin/echo", "hi"); err != nil {
		t.Fatalf("ForkTraceExec() error = %v", err)
	}
	runSession(t, ty)

	if captured == nil {
		t.Fatal("no write to stdout observed")
	}
	if !bytes.HasPrefix(captured, []byte("hi\n")) {
		t.Errorf("captured buffer = %q, want prefix \"hi\\n\"", captured)
	}
	if !roundTrip {
		t.Error("write-mem/read-mem round trip mismatch")
	}
	if !wordTrip {
		t.Error("peek/poke word round trip mismatch")
	}
}
