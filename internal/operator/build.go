// Package operator implements the query operators executed on the slaves and
// the protocol that routes their results between nodes.
package operator

import (
	"context"
	"fmt"
	"slices"

	"github.com/koral-rdf/koral/internal/cluster"
	"github.com/koral-rdf/koral/internal/joincache"
	"github.com/koral-rdf/koral/internal/plan"
	"github.com/koral-rdf/koral/internal/task"
	"github.com/koral-rdf/koral/pkg/id"
	"github.com/koral-rdf/koral/pkg/logger"
	"github.com/koral-rdf/koral/pkg/storage"
)

const DefaultMaxMappingsPerRound = 100

// Env is what the tasks of one query need from the local node.
type Env struct {
	Topology    *cluster.Topology
	Query       uint32
	Coordinator id.TaskID
	Store       storage.TripleReader
	Outbox      task.Outbox
	// JoinCaches defaults to joincache.NewMemory.
	JoinCaches joincache.Factory
	// MaxMappingsPerRound bounds the mappings a task consumes or emits per
	// tick.
	MaxMappingsPerRound int
	// EstimatedLoads by plan task id, see plan.EstimateLoads.
	EstimatedLoads map[uint16]int64
	Logger         logger.Logger
	// Context bounds store access of the query.
	Context context.Context
}

func (e *Env) maxMappingsPerRound() int {
	if e.MaxMappingsPerRound <= 0 {
		return DefaultMaxMappingsPerRound
	}
	return e.MaxMappingsPerRound
}

func (e *Env) joinCaches() joincache.Factory {
	if e.JoinCaches == nil {
		return joincache.NewMemory
	}
	return e.JoinCaches
}

func (e *Env) context() context.Context {
	if e.Context == nil {
		return context.Background()
	}
	return e.Context
}

// Build creates the local copies of the tasks of the plan rooted at root.
// The tasks are returned leaves first, so that a task follows its children.
func Build(root plan.Operator, env Env) ([]task.Task, error) {
	if err := plan.Validate(root); err != nil {
		return nil, err
	}
	if env.Topology == nil || env.Outbox == nil || env.Store == nil {
		return nil, fmt.Errorf("operator: incomplete environment for query %d", env.Query)
	}

	b := &builder{
		env:     &env,
		parents: plan.Parents(root),
		tasks:   make(map[uint16]task.Task),
	}
	if _, err := b.build(root); err != nil {
		for _, t := range b.tasks {
			t.Close()
		}
		return nil, err
	}

	var ordered []task.Task
	for _, level := range plan.ByHeight(root) {
		for _, op := range level {
			ordered = append(ordered, b.tasks[op.TaskID()])
		}
	}
	return ordered, nil
}

type builder struct {
	env     *Env
	parents map[uint16]plan.Operator
	tasks   map[uint16]task.Task
}

func (b *builder) build(op plan.Operator) (task.Task, error) {
	children := make([]task.Task, 0, len(op.Children()))
	for _, c := range op.Children() {
		t, err := b.build(c)
		if err != nil {
			return nil, err
		}
		children = append(children, t)
	}

	env := b.env
	parent, hasParent := b.parents[op.TaskID()]
	cfg := task.Config{
		ID:            id.New(env.Topology.Local, env.Query, op.TaskID()),
		Coordinator:   env.Coordinator,
		Children:      children,
		Peers:         env.Topology.Peers(),
		Root:          !hasParent,
		EstimatedLoad: env.EstimatedLoads[op.TaskID()],
		Outbox:        env.Outbox,
		Logger:        env.Logger,
	}
	e := b.emitter(op, parent, hasParent)

	var t task.Task
	switch op := op.(type) {
	case *plan.Match:
		t = newMatch(op, cfg, env, e)
	case *plan.Join:
		t = newJoin(op, cfg, env, e)
	case *plan.Projection:
		p, err := newProjection(op, cfg, env, e)
		if err != nil {
			return nil, err
		}
		t = p
	case *plan.Slice:
		t = newSlice(op, cfg, env, e)
	default:
		return nil, fmt.Errorf("%w: %T", plan.ErrUnknownOperator, op)
	}
	b.tasks[op.TaskID()] = t
	return t, nil
}

func (b *builder) emitter(op, parent plan.Operator, hasParent bool) *emitter {
	env := b.env
	e := &emitter{
		local:       env.Topology.Local,
		topology:    env.Topology,
		outbox:      env.Outbox,
		coordinator: env.Coordinator,
		schema:      plan.ResultSchema(op),
		root:        !hasParent,
	}
	if !hasParent {
		return e
	}

	e.parent = id.New(env.Topology.Local, env.Query, parent.TaskID())
	e.child = slices.IndexFunc(parent.Children(), func(c plan.Operator) bool {
		return c.TaskID() == op.TaskID()
	})
	e.parentIsProjection = parent.Kind() == plan.KindProjection
	e.joinVar, e.hasJoinVar = plan.FirstJoinVar(parent)
	if j, ok := parent.(*plan.Join); ok {
		switch plan.JoinTypeOf(j.Left, j.Right) {
		case plan.JoinTypeLeftForward:
			e.filterInput = e.child == 1
		case plan.JoinTypeRightForward:
			e.filterInput = e.child == 0
		}
	}
	return e
}
