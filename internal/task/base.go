package task

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/pkg/id"
	"github.com/koral-rdf/koral/pkg/logger"
)

// Operator is the operator specific part of a task built on Base. Except
// for HasPendingInput, Base calls the hooks with the task lock held.
type Operator interface {
	// PreStart runs once before the first STARTED tick.
	PreStart() error
	// HasPendingInput reports whether Step would make progress. It must be
	// safe to call without the task lock.
	HasPendingInput() bool
	// Step does one bounded unit of work.
	Step(cache *mapping.RecycleCache) error
	// Idle reports that no partially consumed input is pending.
	Idle() bool
	// Load returns the pending work not counted by the input queues.
	Load() int64
	// TidyUp runs once when the task finished.
	TidyUp()
	// Release frees caches. It runs exactly once.
	Release()
}

// Config describes a task built on Base.
type Config struct {
	ID          id.TaskID
	Coordinator id.TaskID
	// Children are the local copies of the child operators.
	Children []Task
	// Peers are the other nodes running a copy of the task.
	Peers []uint16
	// Root tasks also report their finish to the coordinator.
	Root          bool
	EstimatedLoad int64
	Outbox        Outbox
	Logger        logger.Logger
}

// Base implements the lifecycle of Task on top of an Operator.
type Base struct {
	mu sync.Mutex

	id          id.TaskID
	coordinator id.TaskID
	root        bool
	state       atomic.Int32
	op          Operator
	outbox      Outbox
	logger      logger.Logger

	children []Task
	queues   []*MappingQueue

	peers         []uint16
	finishedPeers *bitset.BitSet
	missing       int

	inboxMu sync.Mutex
	inbox   []uint16

	preStarted    bool
	released      bool
	estimatedLoad int64
	load          atomic.Int64
}

var _ Task = (*Base)(nil)

func NewBase(cfg Config, op Operator) *Base {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNoopLogger()
	}

	b := &Base{
		id:            cfg.ID,
		coordinator:   cfg.Coordinator,
		root:          cfg.Root,
		op:            op,
		outbox:        cfg.Outbox,
		logger:        l.With(zap.Stringer("task_id", cfg.ID)),
		children:      cfg.Children,
		queues:        make([]*MappingQueue, len(cfg.Children)),
		peers:         slices.Clone(cfg.Peers),
		finishedPeers: bitset.New(0),
		missing:       len(cfg.Peers),
		estimatedLoad: cfg.EstimatedLoad,
	}
	for i := range b.queues {
		b.queues[i] = NewMappingQueue()
	}
	b.load.Store(cfg.EstimatedLoad)
	return b
}

func (b *Base) ID() id.TaskID { return b.id }

func (b *Base) CoordinatorID() id.TaskID { return b.coordinator }

func (b *Base) State() State { return State(b.state.Load()) }

func (b *Base) setState(s State) {
	b.state.Store(int32(s))
}

func (b *Base) EstimatedLoad() int64 { return b.estimatedLoad }

func (b *Base) CurrentLoad() int64 {
	load := b.load.Load()
	for _, q := range b.queues {
		load += int64(q.Len())
	}
	return load
}

// Outbox returns the outbox mappings and notifications are sent through.
func (b *Base) Outbox() Outbox { return b.outbox }

func (b *Base) Logger() logger.Logger { return b.logger }

// Queue returns the input queue of child i.
func (b *Base) Queue(i int) *MappingQueue { return b.queues[i] }

// ChildFinished reports whether every copy of child i finished.
func (b *Base) ChildFinished(i int) bool {
	return b.children[i].State() == Finished
}

func (b *Base) childrenFinished() bool {
	for i := range b.children {
		if !b.ChildFinished(i) {
			return false
		}
	}
	return true
}

func (b *Base) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s := b.State(); s != Created {
		return fmt.Errorf("%w: start of task %s in state %s", ErrIllegalState, b.id, s)
	}
	b.setState(Started)
	return nil
}

// HasInput reports pending input of a STARTED task. CREATED tasks produce
// no output, whatever they already received.
func (b *Base) HasInput() bool {
	return b.State() == Started && b.op.HasPendingInput()
}

func (b *Base) HasToPerformFinalSteps() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.State() {
	case Created:
		return !b.preStarted
	case Started:
		return !b.preStarted || b.finishedLocally()
	case WaitingForOthersToFinish:
		b.inboxMu.Lock()
		pending := len(b.inbox)
		b.inboxMu.Unlock()
		return pending > 0 || b.missing == 0
	default:
		return false
	}
}

// finishedLocally checks the children first: once they finished no
// further mapping can arrive, so empty queues stay empty.
func (b *Base) finishedLocally() bool {
	return b.childrenFinished() && !b.op.HasPendingInput() && b.op.Idle()
}

func (b *Base) Execute(cache *mapping.RecycleCache) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.State() {
	case Created:
		return b.preStart()
	case Started:
		if err := b.preStart(); err != nil {
			return err
		}
		b.drainFinished()

		if b.op.HasPendingInput() {
			if err := b.op.Step(cache); err != nil {
				return err
			}
		}
		b.load.Store(b.op.Load())

		if b.finishedLocally() {
			b.notifyFinished()
			b.setState(WaitingForOthersToFinish)
			b.logger.Debug("task finished locally", zap.Int("missing_peers", b.missing))
		}
	case WaitingForOthersToFinish:
		b.drainFinished()
		if b.missing == 0 {
			b.setState(Finished)
			b.op.TidyUp()
			b.release()
			b.logger.Debug("task finished")
		}
	}
	return nil
}

func (b *Base) preStart() error {
	if b.preStarted {
		return nil
	}
	b.preStarted = true
	return b.op.PreStart()
}

func (b *Base) EnqueueFinished(sender uint16) {
	b.inboxMu.Lock()
	defer b.inboxMu.Unlock()

	b.inbox = append(b.inbox, sender)
}

func (b *Base) drainFinished() {
	b.inboxMu.Lock()
	senders := b.inbox
	b.inbox = nil
	b.inboxMu.Unlock()

	for _, s := range senders {
		if !slices.Contains(b.peers, s) {
			b.logger.Debug("finish notification from unknown node", zap.Uint16("node", s))
			continue
		}
		if b.finishedPeers.Test(uint(s)) {
			continue
		}
		b.finishedPeers.Set(uint(s))
		b.missing--
	}
}

func (b *Base) notifyFinished() {
	for _, p := range b.peers {
		b.outbox.SendFinished(b.id.WithNode(p))
	}
	if b.root {
		b.outbox.SendFinished(b.coordinator)
	}
}

func (b *Base) EnqueueMappings(child int, ms ...*mapping.Mapping) {
	if child < 0 || child >= len(b.queues) {
		b.logger.Debug("mappings for unknown input dropped", zap.Int("child", child))
		return
	}
	b.queues[child].Enqueue(ms...)
}

func (b *Base) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.State() != Finished {
		b.setState(Aborted)
	}
	b.release()
}

// Recycle drains the input queues of a closed task into cache.
func (b *Base) Recycle(cache *mapping.RecycleCache) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.released {
		return
	}
	for _, q := range b.queues {
		q.Drain(cache)
	}
}

func (b *Base) release() {
	if b.released {
		return
	}
	b.released = true

	for _, q := range b.queues {
		q.Close()
	}
	b.op.Release()
}
