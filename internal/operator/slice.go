package operator

import (
	"go.uber.org/zap"

	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/internal/plan"
	"github.com/koral-rdf/koral/internal/task"
)

// Slice skips the first Offset mappings of its input and forwards at most
// Length of the rest. All input of a slice is sent to the lowest slave, the
// copies on the other slaves stay empty.
type Slice struct {
	*task.Base

	offset  uint64
	length  uint64
	local   uint16
	max     int
	emitter *emitter

	seen    uint64
	emitted uint64
}

var _ task.Operator = (*Slice)(nil)

func newSlice(op *plan.Slice, cfg task.Config, env *Env, e *emitter) *Slice {
	s := &Slice{
		offset:  op.Offset,
		length:  op.Length,
		local:   env.Topology.Local,
		max:     env.maxMappingsPerRound(),
		emitter: e,
	}
	s.Base = task.NewBase(cfg, s)
	return s
}

func (s *Slice) PreStart() error       { return nil }
func (s *Slice) HasPendingInput() bool { return !s.Queue(0).IsEmpty() }
func (s *Slice) Idle() bool            { return true }
func (s *Slice) Load() int64           { return 0 }
func (s *Slice) Release()              {}

func (s *Slice) Step(cache *mapping.RecycleCache) error {
	for n := 0; n < s.max; n++ {
		m, ok := s.Queue(0).Dequeue()
		if !ok {
			return nil
		}
		s.seen++
		if s.seen <= s.offset || s.emitted >= s.length {
			cache.Release(m)
			continue
		}
		m.MarkOwnedBy(s.local)
		s.emitted++
		s.emitter.emit(m, cache)
	}
	return nil
}

func (s *Slice) TidyUp() {
	s.Logger().Debug("slice finished",
		zap.Uint64("seen", s.seen),
		zap.Uint64("emitted", s.emitted),
	)
}
