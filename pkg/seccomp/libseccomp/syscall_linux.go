package libseccomp

import (
	"fmt"

	"github.com/elastic/go-seccomp-bpf/arch"
)

// info 是当前系统架构的系统调用映射表：
// arch.GetInfo("") 返回本机架构（x86_64、aarch64 等）
// 系统调用号与名称的双向映射
var info, errInfo = arch.GetInfo("")

// ToSyscallName 把系统调用号转换为名称
func ToSyscallName(sysno uint64) (string, error) {
	if errInfo != nil {
		return "", errInfo
	}
	n, ok := info.SyscallNumbers[int(sysno)]
	if !ok {
		return "", fmt.Errorf("syscall no %d does not exist", sysno)
	}
	return n, nil
}

// ToSyscallNumber 把系统调用名称转换为本机架构上的调用号
func ToSyscallNumber(name string) (uint64, error) {
	if errInfo != nil {
		return 0, errInfo
	}
	nr, ok := info.SyscallNames[name]
	if !ok {
		return 0, fmt.Errorf("syscall %q does not exist", name)
	}
	return uint64(nr), nil
}
