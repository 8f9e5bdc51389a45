//go:build linux

package tracer

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	unix "golang.org/x/sys/unix"
)

// PeekWord 以字为粒度读取目标进程 addr 处的一个机器字
func (c *Child) PeekWord(addr uintptr) (uint64, error) {
	var buf [8]byte
	if _, err := unix.PtracePeekData(c.pid, addr, buf[:]); err != nil {
		return 0, fmt.Errorf("peek word %d@%#x: %v: %w", c.pid, addr, err, ErrMemoryAccess)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// PokeWord 以字为粒度把 word 写入目标进程 addr 处
func (c *Child) PokeWord(addr uintptr, word uint64) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], word)
	if _, err := unix.PtracePokeData(c.pid, addr, buf[:]); err != nil {
		return fmt.Errorf("poke word %d@%#x: %v: %w", c.pid, addr, err, ErrMemoryAccess)
	}
	return nil
}

// ReadMem 从目标进程地址 addr 读取 len(p) 个字节。
// 优先走 /proc/<pid>/mem 批量传输；内核拒绝 /proc 访问时
// 退回以字为粒度的寄存器式读取。
func (c *Child) ReadMem(p []byte, addr uintptr) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if f, err := c.memFile(); err == nil {
		n, err := f.ReadAt(p, int64(addr))
		if err == nil || (err == io.EOF && n == len(p)) {
			return n, nil
		}
	}
	n, err := unix.PtracePeekData(c.pid, addr, p)
	if err != nil {
		return n, fmt.Errorf("read mem %d@%#x: %v: %w", c.pid, addr, err, ErrMemoryAccess)
	}
	return n, nil
}

// WriteMem 把 p 写入目标进程地址 addr 处。
// 与 ReadMem 一样按 /proc 优先、逐字兜底的顺序尝试。
func (c *Child) WriteMem(p []byte, addr uintptr) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if f, err := c.memFile(); err == nil {
		n, err := f.WriteAt(p, int64(addr))
		if err == nil {
			return n, nil
		}
	}
	n, err := unix.PtracePokeData(c.pid, addr, p)
	if err != nil {
		return n, fmt.Errorf("write mem %d@%#x: %v: %w", c.pid, addr, err, ErrMemoryAccess)
	}
	return n, nil
}

// ReadString 读取目标进程 addr 处以 null 结尾的字符串，
// 最长不超过一个路径长度
func (c *Child) ReadString(addr uintptr) (string, error) {
	buf := make([]byte, unix.PathMax)
	n, err := c.ReadMem(buf, addr)
	if n == 0 && err != nil {
		return "", err
	}
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf[:n]), nil
}

// memFile 懒打开并缓存 /proc/<pid>/mem 描述符。
// 描述符由该进程记录独占，进程移出管理时关闭。
func (c *Child) memFile() (*os.File, error) {
	if c.mem != nil {
		return c.mem, nil
	}
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", c.pid), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open mem of %d: %v: %w", c.pid, err, ErrMemoryAccess)
	}
	c.mem = f
	return f, nil
}
