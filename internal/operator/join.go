package operator

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/koral-rdf/koral/internal/joincache"
	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/internal/plan"
	"github.com/koral-rdf/koral/internal/task"
)

const (
	left  = 0
	right = 1
)

// Join is a symmetric hash join of two inputs. Every consumed mapping is
// added to the cache of its side and probed against the cache of the other
// side, so each matching pair is combined once.
//
// Forward joins have one side without variables. They forward the mappings
// of the producing side unchanged if the filtering side emitted anything
// and discard them otherwise.
type Join struct {
	*task.Base

	typ      plan.JoinType
	schemas  [2]mapping.Schema
	combiner *mapping.Combiner
	caches   [2]joincache.Cache
	local    uint16
	max      int
	emitter  *emitter

	// The join iterator survives ticks: probe was consumed from probeSide
	// and candidates[pos:] are still to be combined with it.
	probe      *mapping.Mapping
	probeSide  int
	candidates []*mapping.Mapping
	pos        int
	pending    atomic.Bool

	emitted   int64
	discarded int64
}

var _ task.Operator = (*Join)(nil)

func newJoin(op *plan.Join, cfg task.Config, env *Env, e *emitter) *Join {
	j := &Join{
		typ:     plan.JoinTypeOf(op.Left, op.Right),
		schemas: [2]mapping.Schema{plan.ResultSchema(op.Left), plan.ResultSchema(op.Right)},
		local:   env.Topology.Local,
		max:     env.maxMappingsPerRound(),
		emitter: e,
	}
	j.combiner = mapping.NewCombiner(j.schemas[left], j.schemas[right])

	if j.typ == plan.JoinTypeJoin || j.typ == plan.JoinTypeCartesianProduct {
		joinVars := plan.JoinVars(op)
		factory := env.joinCaches()
		j.caches[left] = factory(j.schemas[left], joinVars)
		j.caches[right] = factory(j.schemas[right], joinVars)
	}
	j.Base = task.NewBase(cfg, j)
	return j
}

func (j *Join) PreStart() error {
	j.Logger().Debug("join starts", zap.Stringer("join_type", j.typ))
	return nil
}

// filterSide returns the input of a forward join without variables.
func (j *Join) filterSide() int {
	if j.typ == plan.JoinTypeLeftForward {
		return right
	}
	return left
}

func (j *Join) HasPendingInput() bool {
	switch j.typ {
	case plan.JoinTypeLeftForward, plan.JoinTypeRightForward:
		f := j.filterSide()
		if !j.Queue(f).IsEmpty() {
			return true
		}
		return j.ChildFinished(f) && !j.Queue(1-f).IsEmpty()
	default:
		return j.pending.Load() || !j.Queue(left).IsEmpty() || !j.Queue(right).IsEmpty()
	}
}

func (j *Join) Idle() bool { return !j.pending.Load() }

func (j *Join) Step(cache *mapping.RecycleCache) error {
	switch j.typ {
	case plan.JoinTypeLeftForward, plan.JoinTypeRightForward:
		j.forward(cache)
	default:
		j.join(cache)
	}
	return nil
}

// nextSide picks the input to consume from: the side whose cache holds
// fewer mappings, left on a tie, among the sides with input.
func (j *Join) nextSide() (int, bool) {
	l, r := !j.Queue(left).IsEmpty(), !j.Queue(right).IsEmpty()
	switch {
	case l && r:
		if j.caches[right].Size() < j.caches[left].Size() {
			return right, true
		}
		return left, true
	case l:
		return left, true
	case r:
		return right, true
	default:
		return 0, false
	}
}

// join consumes input and emits combined mappings until max of both were
// handled.
func (j *Join) join(cache *mapping.RecycleCache) {
	for n := 0; n < j.max; {
		if j.probe == nil {
			side, ok := j.nextSide()
			if !ok {
				return
			}
			m, ok := j.Queue(side).Dequeue()
			if !ok {
				return
			}
			n++
			j.caches[side].Add(m)
			j.probe, j.probeSide = m, side
			j.candidates = j.caches[1-side].MatchCandidates(m, j.schemas[side])
			j.pos = 0
			j.pending.Store(true)
		}

		for ; j.pos < len(j.candidates) && n < j.max; n++ {
			c := j.candidates[j.pos]
			j.pos++

			l, r := j.probe, c
			if j.probeSide == right {
				l, r = c, j.probe
			}
			j.emitted++
			j.emitter.emit(j.combiner.Combine(cache, l, r, j.local), cache)
		}

		if j.pos < len(j.candidates) {
			return
		}
		j.resetIterator()
	}
}

func (j *Join) resetIterator() {
	j.probe = nil
	j.candidates = nil
	j.pos = 0
	j.pending.Store(false)
}

// forward drains the filtering side and, once it finished, forwards or
// discards the producing side. Both count towards max.
func (j *Join) forward(cache *mapping.RecycleCache) {
	f := j.filterSide()
	filter := j.Queue(f)
	n := 0
	for ; n < j.max; n++ {
		m, ok := filter.Dequeue()
		if !ok {
			break
		}
		cache.Release(m)
	}
	if !j.ChildFinished(f) {
		return
	}

	// The filtering child finished, so everything it emitted arrived.
	matched := filter.Received() > 0
	producer := j.Queue(1 - f)
	for ; n < j.max; n++ {
		m, ok := producer.Dequeue()
		if !ok {
			return
		}
		if !matched {
			j.discarded++
			cache.Release(m)
			continue
		}
		m.MarkOwnedBy(j.local)
		j.emitted++
		j.emitter.emit(m, cache)
	}
}

// Load is the number of candidates left for the current probe.
func (j *Join) Load() int64 {
	return int64(len(j.candidates) - j.pos)
}

func (j *Join) TidyUp() {
	j.Logger().Debug("join finished",
		zap.Stringer("join_type", j.typ),
		zap.Int64("emitted", j.emitted),
		zap.Int64("discarded", j.discarded),
	)
}

// Release closes both join caches. The current probe is owned by its
// cache.
func (j *Join) Release() {
	j.resetIterator()
	for i, c := range j.caches {
		if c != nil {
			c.Close()
			j.caches[i] = nil
		}
	}
}
