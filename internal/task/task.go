//go:generate mockgen -source task.go -destination ../mocks/mock_task.go -package mocks Task,Outbox

// Package task holds the lifecycle every scheduled unit of a query follows.
package task

import (
	"errors"

	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/pkg/id"
)

// ErrIllegalState is returned for lifecycle calls that are not allowed in
// the current state of a task.
var ErrIllegalState = errors.New("illegal state")

// Task is the unit of scheduling: an operator copy of a query or its
// coordinator.
type Task interface {
	ID() id.TaskID
	// CoordinatorID is the task collecting the results of the query.
	CoordinatorID() id.TaskID
	State() State

	// Start moves a CREATED task to STARTED.
	Start() error
	// HasInput reports whether a tick would make progress on input.
	HasInput() bool
	// HasToPerformFinalSteps reports whether a tick would advance the
	// lifecycle without input.
	HasToPerformFinalSteps() bool
	// Execute runs one bounded scheduling tick. An error fails the task.
	Execute(cache *mapping.RecycleCache) error

	// EnqueueFinished records that the copy of this task on node sender
	// finished.
	EnqueueFinished(sender uint16)
	// EnqueueMappings hands ms to the input queue of child. The task owns
	// them afterwards.
	EnqueueMappings(child int, ms ...*mapping.Mapping)

	// CurrentLoad is the amount of pending work, used for rebalancing.
	CurrentLoad() int64
	// EstimatedLoad is fixed before execution and used for placement.
	EstimatedLoad() int64

	// Close aborts the task unless it finished and releases its resources.
	Close()
	// Recycle hands the mappings a closed task still holds to cache, the
	// recycle cache of the calling thread.
	Recycle(cache *mapping.RecycleCache)
}

// Outbox delivers what tasks emit to tasks on this or other nodes.
type Outbox interface {
	// SendMapping transfers the ownership of m to input child of receiver.
	// cache is the recycle cache of the calling thread.
	SendMapping(receiver id.TaskID, child int, m *mapping.Mapping, cache *mapping.RecycleCache)
	// SendFinished tells receiver that the local copy of its task finished.
	SendFinished(receiver id.TaskID)
	// SendFailed reports the failure of task to the coordinator receiver.
	SendFailed(receiver id.TaskID, task id.TaskID, cause error)
}
