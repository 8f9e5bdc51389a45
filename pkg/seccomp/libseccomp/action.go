package libseccomp

// Action 是过滤器动作的本地表示：
// 低 16 位是基本动作，高 16 位可携带附加数据
type Action uint32

// 基本动作，从 1 开始递增，0 值无效
const (
	ActionAllow Action = iota + 1 // 允许系统调用继续执行
	ActionErrno                   // 返回错误码给调用进程
	ActionTrace                   // 通知跟踪器并暂停执行
	ActionKill                    // 立即终止进程
)

// Action 取出基本动作（不含附加数据）
func (a Action) Action() Action {
	return Action(a & 0xffff)
}
