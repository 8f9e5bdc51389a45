package forkexec

// go:linkname 需要 unsafe
import _ "unsafe"

// beforeFork 在 fork 之前由运行时做准备：
// 锁住其他线程、刷新缓冲 I/O、保存信号掩码
//
//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

// afterFork 在父进程一侧恢复运行时状态
//
//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

// afterForkInChild 在子进程一侧恢复运行时状态；
// 子进程中只剩当前一个线程
//
//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()
