package operator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/internal/plan"
	"github.com/koral-rdf/koral/internal/task"
	"github.com/koral-rdf/koral/pkg/storage"
)

// Match emits one mapping per local triple matching a triple pattern.
type Match struct {
	*task.Base

	ctx     context.Context
	store   storage.TripleReader
	pattern storage.Pattern
	// slots maps subject, property and object to their index in the
	// schema, -1 for constants.
	slots   [3]int
	width   int
	local   uint16
	max     int
	emitter *emitter

	iter    storage.TripleIterator
	pending atomic.Bool
	done    bool
	emitted int64
}

var _ task.Operator = (*Match)(nil)

func newMatch(op *plan.Match, cfg task.Config, env *Env, e *emitter) *Match {
	schema := plan.ResultSchema(op)
	m := &Match{
		ctx:     env.context(),
		store:   env.Store,
		pattern: op.Pattern(),
		width:   len(schema),
		local:   env.Topology.Local,
		max:     env.maxMappingsPerRound(),
		emitter: e,
	}
	for i, t := range []plan.Term{op.Subject, op.Property, op.Object} {
		m.slots[i] = -1
		if t.IsVar {
			m.slots[i] = schema.IndexOf(t.Variable)
		}
	}
	m.Base = task.NewBase(cfg, m)
	return m
}

// PreStart opens the store iterator.
func (m *Match) PreStart() error {
	iter, err := m.store.Match(m.ctx, m.pattern)
	if err != nil {
		return fmt.Errorf("match %+v: %w", m.pattern, err)
	}
	m.iter = iter
	m.pending.Store(true)
	return nil
}

func (m *Match) HasPendingInput() bool { return m.pending.Load() }

func (m *Match) Idle() bool { return true }

func (m *Match) Step(cache *mapping.RecycleCache) error {
	for n := 0; n < m.max; n++ {
		t, err := m.iter.Next(m.ctx)
		if err != nil {
			if errors.Is(err, storage.ErrIteratorDone) {
				m.finish()
				return nil
			}
			return fmt.Errorf("match %+v: %w", m.pattern, err)
		}

		out, ok := m.bind(cache, t)
		if !ok {
			continue
		}
		m.emitted++
		m.emitter.emit(out, cache)
	}
	return nil
}

// bind returns the mapping of t. Triples binding a repeated variable to
// different values do not match.
func (m *Match) bind(cache *mapping.RecycleCache, t *storage.Triple) (*mapping.Mapping, bool) {
	out := cache.Acquire(m.width)
	values := out.Values()
	var bound [3]bool
	for i, v := range []uint64{t.Subject, t.Property, t.Object} {
		slot := m.slots[i]
		if slot < 0 {
			continue
		}
		if bound[slot] && values[slot] != v {
			cache.Release(out)
			return nil, false
		}
		values[slot], bound[slot] = v, true
	}

	if len(t.Containment) == 0 {
		out.MarkOwnedBy(m.local)
		return out, true
	}
	out.SetKnownBy(t.Containment...)
	out.SetFirstNode(slices.Min(t.Containment))
	return out, true
}

func (m *Match) finish() {
	m.done = true
	m.pending.Store(false)
	m.iter.Stop()
	m.iter = nil
}

// Load is the part of the estimated cardinality not emitted yet.
func (m *Match) Load() int64 {
	if m.done {
		return 0
	}
	return max(0, m.EstimatedLoad()-m.emitted)
}

func (m *Match) TidyUp() {
	m.Logger().Debug("match finished", zap.Int64("emitted", m.emitted))
}

func (m *Match) Release() {
	m.pending.Store(false)
	if m.iter != nil {
		m.iter.Stop()
		m.iter = nil
	}
}
