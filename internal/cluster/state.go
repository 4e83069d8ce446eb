package cluster

// State はクラスタの状態を表す
type State int

const (
	StateUnconfigured State = iota
	StateConfigured
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText は状態を文字列として出力する
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
