// Package events provides lifecycle notifications for supervised processes and the cluster.
package events

import "time"

// EventType represents the type of event
type EventType string

const (
	// EventProcessLaunching is emitted when a process is about to be spawned
	EventProcessLaunching EventType = "process_launching"
	// EventProcessRunning is emitted when a process passed its readiness probe
	EventProcessRunning EventType = "process_running"
	// EventProcessStopping is emitted when a stop was requested for a process
	EventProcessStopping EventType = "process_stopping"
	// EventProcessStopped is emitted when a process exited after a stop request
	EventProcessStopped EventType = "process_stopped"
	// EventProcessCrashed is emitted when a process exited without a stop request
	EventProcessCrashed EventType = "process_crashed"
	// EventClusterState is emitted on every cluster state transition
	EventClusterState EventType = "cluster_state"
	// EventChaosAttack is emitted when a fault is injected into a process
	EventChaosAttack EventType = "chaos_attack"
	// EventChaosResume is emitted when a suspended process is resumed
	EventChaosResume EventType = "chaos_resume"
)

// AttackType represents the type of injected fault
type AttackType string

const (
	AttackTypeKill    AttackType = "kill"
	AttackTypeSuspend AttackType = "suspend"
)

// Event represents a process or cluster lifecycle event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ProcessID string    `json:"process_id,omitempty"`
	Data      EventData `json:"data,omitempty"`
}

// EventData contains event-specific data
type EventData struct {
	Role       string     `json:"role,omitempty"`
	Pid        int        `json:"pid,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	State      string     `json:"state,omitempty"`
	AttackType AttackType `json:"attack_type,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// IsProcessEvent reports whether the event describes a single process
func (e Event) IsProcessEvent() bool {
	switch e.Type {
	case EventProcessLaunching, EventProcessRunning, EventProcessStopping,
		EventProcessStopped, EventProcessCrashed:
		return true
	}
	return false
}

// NewProcessEvent creates a process lifecycle event
func NewProcessEvent(t EventType, processID, role string, pid int) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now(),
		ProcessID: processID,
		Data: EventData{
			Role: role,
			Pid:  pid,
		},
	}
}

// NewProcessExitEvent creates a stopped or crashed event carrying the exit status
func NewProcessExitEvent(t EventType, processID, role string, pid, exitCode int, err error) Event {
	event := NewProcessEvent(t, processID, role, pid)
	code := exitCode
	event.Data.ExitCode = &code
	if err != nil {
		event.Data.Error = err.Error()
	}
	return event
}

// NewClusterStateEvent creates a cluster state transition event
func NewClusterStateEvent(state string, err error) Event {
	event := Event{
		Type:      EventClusterState,
		Timestamp: time.Now(),
		Data: EventData{
			State: state,
		},
	}
	if err != nil {
		event.Data.Error = err.Error()
	}
	return event
}

// NewChaosAttackEvent creates a new chaos attack event
func NewChaosAttackEvent(processID string, attackType AttackType) Event {
	return Event{
		Type:      EventChaosAttack,
		Timestamp: time.Now(),
		ProcessID: processID,
		Data: EventData{
			AttackType: attackType,
		},
	}
}

// NewChaosResumeEvent creates a chaos resume event
func NewChaosResumeEvent(processID string) Event {
	return Event{
		Type:      EventChaosResume,
		Timestamp: time.Now(),
		ProcessID: processID,
	}
}
