package libseccomp

import (
	"testing"

	seccompbpf "github.com/elastic/go-seccomp-bpf"
)

func TestBuildFilter(t *testing.T) {
	tests := []struct {
		name    string
		builder Builder
		wantErr bool
	}{
		{
			name: "basic",
			builder: Builder{
				Allow:   []string{"read", "write", "exit"},
				Trace:   []string{"open", "close"},
				Default: ActionKill,
			},
			wantErr: false,
		},
		{
			name: "empty allow list",
			builder: Builder{
				Trace:   []string{"open"},
				Default: ActionKill,
			},
			wantErr: false,
		},
		{
			name: "empty trace list",
			builder: Builder{
				Allow:   []string{"read"},
				Default: ActionKill,
			},
			wantErr: false,
		},
		{
			name: "invalid syscall",
			builder: Builder{
				Allow:   []string{"invalid_syscall"},
				Default: ActionKill,
			},
			wantErr: true,
		},
		{
			name: "duplicate syscalls",
			builder: Builder{
				Allow:   []string{"read", "read"},
				Default: ActionKill,
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter, err := tt.builder.Build()
			if (err != nil) != tt.wantErr {
				t.Errorf("Builder.Build() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && filter == nil {
				t.Error("Builder.Build() returned nil filter without error")
			}
		})
	}
}

func TestToSeccompAction(t *testing.T) {
	tests := []struct {
		name string
		act  Action
		want seccompbpf.Action
	}{
		{name: "allow", act: ActionAllow, want: seccompbpf.ActionAllow},
		{name: "errno", act: ActionErrno, want: seccompbpf.ActionErrno},
		{name: "trace", act: ActionTrace, want: seccompbpf.ActionTrace},
		{name: "kill", act: Action(99), want: seccompbpf.ActionKillProcess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToSeccompAction(tt.act); got != tt.want {
				t.Errorf("ToSeccompAction() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSyscallNameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"read", false},
		{"write", false},
		{"clone", false},
		{"definitely_not_a_syscall", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nr, err := ToSyscallNumber(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ToSyscallNumber(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			back, err := ToSyscallName(nr)
			if err != nil {
				t.Fatalf("ToSyscallName(%d) error = %v", nr, err)
			}
			if back != tt.name {
				t.Errorf("round trip %q -> %d -> %q", tt.name, nr, back)
			}
		})
	}
}

func TestToSyscallNameUnknown(t *testing.T) {
	if _, err := ToSyscallName(1 << 20); err == nil {
		t.Error("ToSyscallName() with bogus number: expected error")
	}
}
