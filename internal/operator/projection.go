package operator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/internal/plan"
	"github.com/koral-rdf/koral/internal/task"
)

// Projection restricts the mappings of its child to a subset of their
// variables. Projected mappings keep the containment of their input, so
// projection never changes which node forwards a result.
type Projection struct {
	*task.Base

	projector *mapping.Projector
	max       int
	emitter   *emitter
	emitted   int64
}

var _ task.Operator = (*Projection)(nil)

func newProjection(op *plan.Projection, cfg task.Config, env *Env, e *emitter) (*Projection, error) {
	projector, err := mapping.NewProjector(plan.ResultSchema(op.Child), op.Vars)
	if err != nil {
		return nil, fmt.Errorf("projection %d: %w", op.ID, err)
	}

	p := &Projection{
		projector: projector,
		max:       env.maxMappingsPerRound(),
		emitter:   e,
	}
	p.Base = task.NewBase(cfg, p)
	return p, nil
}

func (p *Projection) PreStart() error       { return nil }
func (p *Projection) HasPendingInput() bool { return !p.Queue(0).IsEmpty() }
func (p *Projection) Idle() bool            { return true }
func (p *Projection) Load() int64           { return 0 }
func (p *Projection) Release()              {}

func (p *Projection) Step(cache *mapping.RecycleCache) error {
	for n := 0; n < p.max; n++ {
		m, ok := p.Queue(0).Dequeue()
		if !ok {
			return nil
		}
		out := p.projector.Project(cache, m)
		cache.Release(m)
		p.emitted++
		p.emitter.emit(out, cache)
	}
	return nil
}

func (p *Projection) TidyUp() {
	p.Logger().Debug("projection finished", zap.Int64("emitted", p.emitted))
}
