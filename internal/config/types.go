package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidConfiguration は設定値が不正な場合のエラー
var ErrInvalidConfiguration = errors.New("invalid configuration")

// ServerType はクラスタ内のプロセスの役割を表す
type ServerType string

const (
	ServerCoordination ServerType = "coordination"
	ServerManager      ServerType = "manager"
	ServerStorage      ServerType = "storage-server"
)

// ServerTypes は起動順に並べた全ての役割
var ServerTypes = []ServerType{ServerCoordination, ServerManager, ServerStorage}

// Valid は既知の役割かどうかを返す
func (s ServerType) Valid() bool {
	switch s {
	case ServerCoordination, ServerManager, ServerStorage:
		return true
	default:
		return false
	}
}

func (s ServerType) String() string {
	return string(s)
}

// ParseServerType は文字列から役割を解析する
func ParseServerType(s string) (ServerType, error) {
	st := ServerType(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown server type %q", ErrInvalidConfiguration, s)
	}
	return st, nil
}

// MemoryUnit はメモリ量の単位
type MemoryUnit int

const (
	Byte MemoryUnit = iota
	Kilobyte
	Megabyte
	Gigabyte
)

// Suffix はJVM形式のメモリ指定で使う接尾辞を返す
func (u MemoryUnit) Suffix() string {
	switch u {
	case Kilobyte:
		return "K"
	case Megabyte:
		return "M"
	case Gigabyte:
		return "G"
	default:
		return ""
	}
}

// Valid は既知の単位かどうかを返す
func (u MemoryUnit) Valid() bool {
	return u >= Byte && u <= Gigabyte
}

// MaxAmount はバイト数がint64に収まる最大の量を返す
func (u MemoryUnit) MaxAmount() int64 {
	return math.MaxInt64 >> (10 * uint(u))
}

// checkMemory は量と単位が正のバイト数として表現できるか検証する
func checkMemory(amount int64, unit MemoryUnit) error {
	if !unit.Valid() {
		return fmt.Errorf("unknown memory unit %d", int(unit))
	}
	if amount <= 0 {
		return fmt.Errorf("memory must be positive, got %d", amount)
	}
	if amount > unit.MaxAmount() {
		return fmt.Errorf("memory %d%s overflows int64 bytes", amount, unit.Suffix())
	}
	return nil
}

// ToBytes は指定量をバイト数に変換する
func (u MemoryUnit) ToBytes(amount int64) int64 {
	switch u {
	case Kilobyte:
		return amount << 10
	case Megabyte:
		return amount << 20
	case Gigabyte:
		return amount << 30
	default:
		return amount
	}
}

func (u MemoryUnit) String() string {
	switch u {
	case Byte:
		return "byte"
	case Kilobyte:
		return "kilobyte"
	case Megabyte:
		return "megabyte"
	case Gigabyte:
		return "gigabyte"
	default:
		return "unknown"
	}
}

// Memory は単位付きのメモリ量
type Memory struct {
	Amount int64
	Unit   MemoryUnit
}

// Bytes はバイト数を返す
func (m Memory) Bytes() int64 {
	return m.Unit.ToBytes(m.Amount)
}

// String は "128M" 形式の文字列を返す
func (m Memory) String() string {
	return strconv.FormatInt(m.Amount, 10) + m.Unit.Suffix()
}

// ParseMemory は "512M" や "1G" 形式のメモリ指定を解析する
func ParseMemory(s string) (Memory, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Memory{}, fmt.Errorf("%w: empty memory value", ErrInvalidConfiguration)
	}

	unit := Byte
	num := s
	switch strings.ToUpper(s[len(s)-1:]) {
	case "K":
		unit, num = Kilobyte, s[:len(s)-1]
	case "M":
		unit, num = Megabyte, s[:len(s)-1]
	case "G":
		unit, num = Gigabyte, s[:len(s)-1]
	}

	amount, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return Memory{}, fmt.Errorf("%w: invalid memory value %q", ErrInvalidConfiguration, s)
	}
	if err := checkMemory(amount, unit); err != nil {
		return Memory{}, fmt.Errorf("%w: %q: %v", ErrInvalidConfiguration, s, err)
	}
	return Memory{Amount: amount, Unit: unit}, nil
}

// Command は役割ごとに起動する外部コマンド
//
// Args は text/template として展開される。
type Command struct {
	Path string
	Args []string
}

func (c Command) clone() Command {
	return Command{Path: c.Path, Args: append([]string(nil), c.Args...)}
}
