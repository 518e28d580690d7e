// Package registry tracks the live tasks of a node by query.
package registry

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/koral-rdf/koral/internal/task"
	"github.com/koral-rdf/koral/pkg/id"
)

// ErrDuplicateTask is returned when a task id is registered twice.
var ErrDuplicateTask = errors.New("duplicate task")

// Registry maps task ids to the live tasks of this node. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	queries map[uint32]map[id.TaskID]task.Task
	size    int
}

func New() *Registry {
	return &Registry{queries: make(map[uint32]map[id.TaskID]task.Task)}
}

// Register adds t.
func (r *Registry) Register(t task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tid := t.ID()
	tasks, ok := r.queries[tid.Query()]
	if !ok {
		tasks = make(map[id.TaskID]task.Task)
		r.queries[tid.Query()] = tasks
	}
	if _, ok := tasks[tid]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, tid)
	}
	tasks[tid] = t
	r.size++
	return nil
}

// RegisterAll adds every task of ts or none of them.
func (r *Registry) RegisterAll(ts []task.Task) error {
	for i, t := range ts {
		if err := r.Register(t); err != nil {
			for _, registered := range ts[:i] {
				r.Unregister(registered.ID())
			}
			return err
		}
	}
	return nil
}

// Unregister removes the task with id tid if present.
func (r *Registry) Unregister(tid id.TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks, ok := r.queries[tid.Query()]
	if !ok {
		return
	}
	if _, ok := tasks[tid]; !ok {
		return
	}
	delete(tasks, tid)
	r.size--
	if len(tasks) == 0 {
		delete(r.queries, tid.Query())
	}
}

// Lookup returns the task with id tid.
func (r *Registry) Lookup(tid id.TaskID) (task.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.queries[tid.Query()][tid]
	return t, ok
}

// TasksOfQuery returns the tasks of query ordered by id.
func (r *Registry) TasksOfQuery(query uint32) []task.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := r.queries[query]
	ids := slices.Sorted(maps.Keys(tasks))
	out := make([]task.Task, len(ids))
	for i, tid := range ids {
		out[i] = tasks[tid]
	}
	return out
}

// Queries returns the ids of the queries with live tasks.
func (r *Registry) Queries() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.queries))
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.size
}
