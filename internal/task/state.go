package task

import "fmt"

// State is the lifecycle state of a task.
type State int32

const (
	// Created tasks have their queues but produce no output yet.
	Created State = iota
	Started
	// WaitingForOthersToFinish tasks finished locally and wait for the
	// copies on the other nodes to finish.
	WaitingForOthersToFinish
	Finished
	Aborted
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Started:
		return "STARTED"
	case WaitingForOthersToFinish:
		return "WAITING_FOR_OTHERS_TO_FINISH"
	case Finished:
		return "FINISHED"
	case Aborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// IsFinal reports whether a task in state s may be removed from its thread.
func (s State) IsFinal() bool {
	return s == Finished || s == Aborted
}
