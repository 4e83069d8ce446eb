package process

// State はプロセスの状態を表す
type State int

const (
	StatePlanned State = iota
	StateLaunching
	StateRunning
	StateStopping
	StateStopped
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StatePlanned:
		return "planned"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// IsTerminal は終了状態かどうかを返す
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateCrashed
}

// IsAlive はOSプロセスが存在しうる状態かどうかを返す
func (s State) IsAlive() bool {
	return s == StateLaunching || s == StateRunning || s == StateStopping
}

// MarshalText は状態を文字列として出力する
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
