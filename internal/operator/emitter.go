package operator

import (
	"fmt"

	"github.com/koral-rdf/koral/internal/cluster"
	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/internal/task"
	"github.com/koral-rdf/koral/pkg/id"
)

// emitter routes the results of one task copy so that every result reaches
// exactly one copy of the parent task, or the coordinator for the root.
type emitter struct {
	local       uint16
	topology    *cluster.Topology
	outbox      task.Outbox
	coordinator id.TaskID
	// schema of the mappings handed to emit.
	schema mapping.Schema

	root bool
	// parent is the local copy of the parent task, child the input of the
	// parent fed by this task.
	parent             id.TaskID
	child              int
	parentIsProjection bool
	// filterInput is set if the parent is a forward join filtering on the
	// input fed by this task.
	filterInput bool
	joinVar     mapping.Variable
	hasJoinVar  bool
}

// emit transfers the ownership of m. Mappings that another node forwards
// are released.
func (e *emitter) emit(m *mapping.Mapping, cache *mapping.RecycleCache) {
	switch {
	case e.root:
		// Results known by several nodes reach the coordinator once.
		if m.FirstNode() != e.local {
			cache.Release(m)
			return
		}
		e.outbox.SendMapping(e.coordinator, 0, m, cache)
	case e.parentIsProjection:
		e.outbox.SendMapping(e.parent, e.child, m, cache)
	case e.filterInput:
		e.broadcast(m, cache)
	case !e.hasJoinVar:
		if m.FirstNode() != e.local {
			cache.Release(m)
			return
		}
		e.outbox.SendMapping(e.parent.WithNode(e.topology.Lowest()), e.child, m, cache)
	default:
		e.sendToOwner(m, cache)
	}
}

// broadcast sends m to the parent copy of every slave, since each copy of a
// forward join decides on its own filter input. Only the first node knowing
// m sends.
func (e *emitter) broadcast(m *mapping.Mapping, cache *mapping.RecycleCache) {
	if m.FirstNode() != e.local {
		cache.Release(m)
		return
	}

	slaves := e.topology.Slaves
	for i, node := range slaves {
		out := m
		if i < len(slaves)-1 {
			out = cache.Copy(m)
		}
		e.outbox.SendMapping(e.parent.WithNode(node), e.child, out, cache)
	}
}

// sendToOwner routes m to the node owning the value of the first join
// variable of the parent. A node already knowing m forwards it locally when
// it is the owner, otherwise the first node knowing m sends it once.
func (e *emitter) sendToOwner(m *mapping.Mapping, cache *mapping.RecycleCache) {
	value, ok := m.ValueOf(e.joinVar, e.schema)
	if !ok {
		panic(fmt.Sprintf("operator: join variable ?%d missing in schema %s", e.joinVar, e.schema))
	}

	owner := e.topology.Owner(value)
	switch {
	case m.IsKnownBy(owner) && owner == e.local:
		e.outbox.SendMapping(e.parent, e.child, m, cache)
	case !m.IsKnownBy(owner) && m.FirstNode() == e.local:
		e.outbox.SendMapping(e.parent.WithNode(owner), e.child, m, cache)
	default:
		cache.Release(m)
	}
}
