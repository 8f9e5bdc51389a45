package rlimit

import (
	"syscall"
	"testing"
)

func TestPrepareRLimit(t *testing.T) {
	tests := []struct {
		name string
		r    RLimits
		want []int
	}{
		{
			name: "empty",
			r:    RLimits{},
			want: nil,
		},
		{
			name: "cpu only",
			r:    RLimits{CPU: 1},
			want: []int{syscall.RLIMIT_CPU},
		},
		{
			name: "full",
			r: RLimits{
				CPU:          1,
				Data:         1 << 20,
				FileSize:     1 << 20,
				Stack:        1 << 20,
				AddressSpace: 1 << 30,
				OpenFile:     64,
				DisableCore:  true,
			},
			want: []int{
				syscall.RLIMIT_CPU, syscall.RLIMIT_DATA, syscall.RLIMIT_FSIZE,
				syscall.RLIMIT_STACK, syscall.RLIMIT_AS, syscall.RLIMIT_NOFILE,
				syscall.RLIMIT_CORE,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.r.PrepareRLimit()
			if len(got) != len(tt.want) {
				t.Fatalf("PrepareRLimit() returned %d entries, want %d", len(got), len(tt.want))
			}
			for i, rl := range got {
				if rl.Res != tt.want[i] {
					t.Errorf("entry %d: Res = %d, want %d", i, rl.Res, tt.want[i])
				}
			}
		})
	}
}

func TestCPUHardClamp(t *testing.T) {
	r := RLimits{CPU: 10, CPUHard: 5}
	got := r.PrepareRLimit()
	if len(got) != 1 {
		t.Fatalf("PrepareRLimit() returned %d entries, want 1", len(got))
	}
	if got[0].Rlim.Max != 10 {
		t.Errorf("hard limit = %d, want clamped to 10", got[0].Rlim.Max)
	}
}
