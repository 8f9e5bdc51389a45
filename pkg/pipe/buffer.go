// Package pipe 提供一个有上限的管道缓冲，
// 用于收集被跟踪程序的标准输出或标准错误
package pipe

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Buffer 包装一个可写管道，把读取端最多 Max+1 个字节收进缓冲区
type Buffer struct {
	W      *os.File        // 管道的写入端，交给被跟踪进程
	Buffer *bytes.Buffer   // 收集到的数据
	Done   <-chan struct{} // 收集完成时关闭
	Max    int64           // 收集上限（字节），另多收一个字节用于判断超限
}

// NewPipe 创建一个管道，后台把读取端最多 n 个字节复制到 writer。
// 写入端由调用者负责关闭。
func NewPipe(writer io.Writer, n int64) (<-chan struct{}, *os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	done := make(chan struct{})
	go func() {
		io.CopyN(writer, r, n)
		close(done)
		// 继续读取并丢弃剩余数据，
		// 避免写入端因管道写满而阻塞或收到 SIGPIPE
		io.Copy(io.Discard, r)
		r.Close()
	}()
	return done, w, nil
}

// NewBuffer 创建上限为 max 个字节的 Buffer，实际最多收集 max+1 个字节：
// 多收的一个字节用于判断输出是否超限。
// 依赖 Done 通道判断完成时，需要先在父进程侧关闭写入端。
func NewBuffer(max int64) (*Buffer, error) {
	buffer := new(bytes.Buffer)
	done, w, err := NewPipe(buffer, max+1)
	if err != nil {
		return nil, err
	}
	return &Buffer{
		W:      w,
		Max:    max,
		Buffer: buffer,
		Done:   done,
	}, nil
}

// String 返回缓冲的当前状态
func (b Buffer) String() string {
	return fmt.Sprintf("Buffer[%d/%d]", b.Buffer.Len(), b.Max)
}
