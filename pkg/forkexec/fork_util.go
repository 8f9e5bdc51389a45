package forkexec

import (
	"syscall"
)

// prepareExec 把 execve 需要的参数转换为 C 风格字符串：
// argv0 是程序路径，argv 是参数数组，env 是环境变量数组
func prepareExec(Args, Env []string) (*byte, []*byte, []*byte, error) {
	argv0, err := syscall.BytePtrFromString(Args[0])
	if err != nil {
		return nil, nil, nil, err
	}
	argv, err := syscall.SlicePtrFromStrings(Args)
	if err != nil {
		return nil, nil, nil, err
	}
	env, err := syscall.SlicePtrFromStrings(Env)
	if err != nil {
		return nil, nil, nil, err
	}
	return argv0, argv, env, nil
}

// prepareFds 把描述符映射转换为 int 数组，
// 并给出第一个保证不与现有描述符冲突的编号
func prepareFds(files []uintptr) ([]int, int) {
	fd := make([]int, len(files))
	nextfd := len(files)
	for i, ufd := range files {
		if nextfd < int(ufd) {
			nextfd = int(ufd)
		}
		fd[i] = int(ufd)
	}
	nextfd++
	return fd, nextfd
}

// syscallStringFromString 把可选的字符串参数转换为 C 风格字符串，
// 空串返回 nil
func syscallStringFromString(str string) (*byte, error) {
	if str != "" {
		return syscall.BytePtrFromString(str)
	}
	return nil, nil
}
