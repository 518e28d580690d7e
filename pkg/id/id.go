// Package id defines the 64-bit identifiers of query tasks.
//
// A TaskID is laid out most-significant to least-significant as
//
//	[node:16][query:32][task:16]
//
// The layout is shared by every node of a cluster and must stay bit-exact.
package id

import "fmt"

const (
	nodeShift  = 48
	queryShift = 16

	taskMask  = uint64(0xFFFF)
	queryMask = uint64(0xFFFFFFFF) << queryShift
	nodeMask  = uint64(0xFFFF) << nodeShift
)

// TaskID identifies one copy of a query task on one node.
type TaskID uint64

// New returns the TaskID of task within query on node.
func New(node uint16, query uint32, task uint16) TaskID {
	return TaskID(uint64(node)<<nodeShift | uint64(query)<<queryShift | uint64(task))
}

// Node returns the node that runs the task copy.
func (t TaskID) Node() uint16 {
	return uint16(uint64(t) >> nodeShift)
}

// Query returns the query the task belongs to.
func (t TaskID) Query() uint32 {
	return uint32((uint64(t) & queryMask) >> queryShift)
}

// Task returns the id of the task within its query.
func (t TaskID) Task() uint16 {
	return uint16(uint64(t) & taskMask)
}

// WithNode returns the id of the copy of the same task on node.
func (t TaskID) WithNode(node uint16) TaskID {
	return TaskID(uint64(t)&^nodeMask | uint64(node)<<nodeShift)
}

// QueryKey returns the id with the node bits masked off. Two copies of the
// same task on different nodes share a QueryKey.
func (t TaskID) QueryKey() uint64 {
	return uint64(t) &^ nodeMask
}

func (t TaskID) String() string {
	return fmt.Sprintf("%d:%d:%d", t.Node(), t.Query(), t.Task())
}
