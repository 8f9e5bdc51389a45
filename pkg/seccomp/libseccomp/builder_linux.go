package libseccomp

import (
	"syscall"

	libseccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/net/bpf"

	"github.com/zqzqsb/tracy/pkg/seccomp"
)

// Builder 以名称列表描述一个过滤策略：
// Allow 放行，Trace 交给跟踪器，其余按 Default 处理
type Builder struct {
	Allow   []string
	Trace   []string
	Default Action
}

var actTrace = libseccomp.ActionTrace

// Build 把策略编译为可装载的 BPF 过滤器
func (b *Builder) Build() (seccomp.Filter, error) {
	// 同一列表中重复出现的名称只保留一次
	unique := func(names []string) []string {
		var out []string
		seen := make(map[string]bool, len(names))
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
		return out
	}
	policy := libseccomp.Policy{
		DefaultAction: ToSeccompAction(b.Default),
		Syscalls: []libseccomp.SyscallGroup{
			{
				Action: libseccomp.ActionAllow,
				Names:  unique(b.Allow),
			},
			{
				Action: actTrace,
				Names:  unique(b.Trace),
			},
		},
	}

	program, err := policy.Assemble()
	if err != nil {
		return nil, err
	}
	return ExportBPF(program)
}

// ExportBPF 把 BPF 指令序列汇编为内核可装载的过滤器
func ExportBPF(filter []bpf.Instruction) (seccomp.Filter, error) {
	raw, err := bpf.Assemble(filter)
	if err != nil {
		return nil, err
	}
	return sockFilter(raw), nil
}

// sockFilter 把原始 BPF 指令转换为 SockFilter 序列
func sockFilter(raw []bpf.RawInstruction) []syscall.SockFilter {
	filter := make([]syscall.SockFilter, 0, len(raw))
	for _, instruction := range raw {
		filter = append(filter, syscall.SockFilter{
			Code: instruction.Op,
			Jt:   instruction.Jt,
			Jf:   instruction.Jf,
			K:    instruction.K,
		})
	}
	return filter
}
