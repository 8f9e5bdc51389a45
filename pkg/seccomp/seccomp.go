package seccomp

// Action 定义了过滤器对一次系统调用的处理动作。
// 低 16 位是基本动作，高 16 位可携带返回码等附加数据。
type Action uint32

const (
	ActionInvalid Action = iota // 无效动作
	ActionAllow                 // 允许系统调用继续执行
	ActionErrno                 // 返回错误码
	ActionTrace                 // 通知跟踪器并暂停执行
	ActionKill                  // 终止进程
)

// ReturnCode 取出动作携带的返回码
func (a Action) ReturnCode() uint16 {
	return uint16(a >> 16)
}

// WithReturnCode 给动作附加返回码
func (a Action) WithReturnCode(code uint16) Action {
	return a | Action(code)<<16
}

// Action 取出基本动作（不含附加数据）
func (a Action) Action() Action {
	return Action(a & 0xffff)
}
