// Package coordinator implements the task that drives a query from the
// master node and collects its results.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/koral-rdf/koral/internal/cluster"
	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/internal/messages"
	"github.com/koral-rdf/koral/internal/plan"
	"github.com/koral-rdf/koral/internal/task"
	"github.com/koral-rdf/koral/pkg/id"
	"github.com/koral-rdf/koral/pkg/logger"
)

// TaskID is the task id of the coordinator within its query. Plans never
// use it.
const TaskID uint16 = 0

const maxResultsPerRound = 1000

var (
	ErrAborted    = errors.New("query aborted")
	ErrTaskFailed = errors.New("query task failed")
)

// Sender delivers control messages to other nodes.
type Sender interface {
	Send(node uint16, msg messages.Message)
}

type Config struct {
	Topology *cluster.Topology
	Query    uint32
	Plan     plan.Operator
	Sender   Sender
	Logger   logger.Logger
}

// Result holds the mappings a query produced, in arrival order.
type Result struct {
	Schema mapping.Schema
	Rows   [][]uint64
}

// Coordinator creates the copies of a query on every slave, starts them
// once all are placed, collects the results of the root copies and aborts
// the query on the first failure or when its context ends.
type Coordinator struct {
	mu sync.Mutex

	id     id.TaskID
	ctx    context.Context
	slaves []uint16
	plan   []byte
	schema mapping.Schema
	sender Sender
	logger logger.Logger
	state  atomic.Int32

	results *task.MappingQueue

	inboxMu  sync.Mutex
	created  []uint16
	finished []uint16
	failures []error

	createSent      bool
	createdBy       *bitset.BitSet
	missingCreated  int
	finishedBy      *bitset.BitSet
	missingFinished int

	rows [][]uint64
	err  error
	done chan struct{}
}

var _ task.Task = (*Coordinator)(nil)

// New returns the coordinator of query. ctx bounds the whole query.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	if !cfg.Topology.IsMaster() {
		return nil, fmt.Errorf("coordinator of query %d on slave %d", cfg.Query, cfg.Topology.Local)
	}
	if err := plan.Validate(cfg.Plan); err != nil {
		return nil, err
	}

	l := cfg.Logger
	if l == nil {
		l = logger.NewNoopLogger()
	}
	taskID := id.New(cfg.Topology.Local, cfg.Query, TaskID)
	return &Coordinator{
		id:              taskID,
		ctx:             ctx,
		slaves:          slices.Clone(cfg.Topology.Slaves),
		plan:            plan.Marshal(cfg.Plan),
		schema:          plan.ResultSchema(cfg.Plan),
		sender:          cfg.Sender,
		logger:          l.With(zap.Stringer("task_id", taskID)),
		results:         task.NewMappingQueue(),
		createdBy:       bitset.New(0),
		missingCreated:  len(cfg.Topology.Slaves),
		finishedBy:      bitset.New(0),
		missingFinished: len(cfg.Topology.Slaves),
		done:            make(chan struct{}),
	}, nil
}

func (c *Coordinator) ID() id.TaskID            { return c.id }
func (c *Coordinator) CoordinatorID() id.TaskID { return c.id }
func (c *Coordinator) State() task.State        { return task.State(c.state.Load()) }
func (c *Coordinator) EstimatedLoad() int64     { return 0 }
func (c *Coordinator) CurrentLoad() int64       { return int64(c.results.Len()) }

// HasInput reports results to collect. Results left after an abort wait for
// Recycle.
func (c *Coordinator) HasInput() bool {
	return c.State() == task.Started && !c.results.IsEmpty()
}

func (c *Coordinator) setState(s task.State) {
	c.state.Store(int32(s))
}

// Start starts the query early. The coordinator starts itself once every
// slave created its copy of the query, so this only succeeds after that.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.State(); s != task.Created || c.missingCreated > 0 {
		return fmt.Errorf("%w: start of coordinator %s in state %s with %d missing slaves",
			task.ErrIllegalState, c.id, s, c.missingCreated)
	}
	c.start()
	return nil
}

func (c *Coordinator) start() {
	c.broadcast(&messages.QueryStart{Query: c.id.Query()})
	c.setState(task.Started)
	c.logger.Debug("query started")
}

func (c *Coordinator) HasToPerformFinalSteps() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case task.Created:
		return !c.createSent || c.inboxPending() || c.missingCreated == 0 || c.ctx.Err() != nil
	case task.Started:
		return c.inboxPending() || c.missingFinished == 0 || c.ctx.Err() != nil
	default:
		return false
	}
}

func (c *Coordinator) inboxPending() bool {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()

	return len(c.created)+len(c.finished)+len(c.failures) > 0
}

func (c *Coordinator) Execute(cache *mapping.RecycleCache) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case task.Created:
		if !c.createSent {
			c.createSent = true
			c.broadcast(&messages.QueryCreate{
				CoordinatorNode: c.id.Node(),
				Coordinator:     c.id,
				Plan:            c.plan,
			})
			return nil
		}
		if c.drainInbox() {
			return nil
		}
		if c.missingCreated == 0 {
			c.start()
		}
	case task.Started:
		if c.drainInbox() {
			return nil
		}
		c.collect(cache)
		// Every root copy flushed its results before reporting its
		// finish, so no result can follow.
		if c.missingFinished == 0 && c.results.IsEmpty() {
			c.setState(task.Finished)
			c.resolve(nil)
			c.logger.Debug("query finished", zap.Int("rows", len(c.rows)))
		}
	}
	return nil
}

// drainInbox applies the received notifications. It reports whether the
// query was aborted.
func (c *Coordinator) drainInbox() bool {
	c.inboxMu.Lock()
	created, finished, failures := c.created, c.finished, c.failures
	c.created, c.finished, c.failures = nil, nil, nil
	c.inboxMu.Unlock()

	if len(failures) > 0 {
		c.abort(errors.Join(failures...))
		return true
	}
	if err := c.ctx.Err(); err != nil {
		c.abort(fmt.Errorf("%w: %w", ErrAborted, err))
		return true
	}

	for _, n := range created {
		if c.record(c.createdBy, n) {
			c.missingCreated--
		}
	}
	for _, n := range finished {
		if c.record(c.finishedBy, n) {
			c.missingFinished--
		}
	}
	return false
}

// record marks node in set. Notifications from unknown nodes or repeated
// ones are ignored.
func (c *Coordinator) record(set *bitset.BitSet, node uint16) bool {
	if !slices.Contains(c.slaves, node) || set.Test(uint(node)) {
		c.logger.Debug("ignoring notification", zap.Uint16("node", node))
		return false
	}
	set.Set(uint(node))
	return true
}

func (c *Coordinator) collect(cache *mapping.RecycleCache) {
	for n := 0; n < maxResultsPerRound; n++ {
		m, ok := c.results.Dequeue()
		if !ok {
			return
		}
		c.rows = append(c.rows, slices.Clone(m.Values()))
		cache.Release(m)
	}
}

func (c *Coordinator) abort(cause error) {
	c.broadcast(&messages.QueryAbort{Query: c.id.Query()})
	c.setState(task.Aborted)
	c.results.Close()
	c.resolve(cause)
	c.logger.Info("query aborted", zap.Error(cause))
}

func (c *Coordinator) broadcast(msg messages.Message) {
	for _, s := range c.slaves {
		c.sender.Send(s, msg)
	}
}

func (c *Coordinator) resolve(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	c.err = err
	close(c.done)
}

// EnqueueCreated records that node placed its copy of the query.
func (c *Coordinator) EnqueueCreated(node uint16) {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()

	c.created = append(c.created, node)
}

// EnqueueFailed records the failure of a task of the query.
func (c *Coordinator) EnqueueFailed(failed id.TaskID, cause string) {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()

	c.failures = append(c.failures, fmt.Errorf("%w: task %s: %s", ErrTaskFailed, failed, cause))
}

// EnqueueFinished records that the root copy on node finished.
func (c *Coordinator) EnqueueFinished(node uint16) {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()

	c.finished = append(c.finished, node)
}

// EnqueueMappings adds results. The coordinator has a single input.
func (c *Coordinator) EnqueueMappings(_ int, ms ...*mapping.Mapping) {
	c.results.Enqueue(ms...)
}

// Close aborts a running query.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State().IsFinal() {
		return
	}
	c.abort(ErrAborted)
}

// Recycle releases the results left after an abort into cache.
func (c *Coordinator) Recycle(cache *mapping.RecycleCache) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == task.Aborted {
		c.results.Drain(cache)
	}
}

// Done is closed once the query finished or was aborted.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the collected rows once Done is closed.
func (c *Coordinator) Result() (*Result, error) {
	select {
	case <-c.done:
	default:
		return nil, fmt.Errorf("%w: result of running query %d", task.ErrIllegalState, c.id.Query())
	}

	if c.err != nil {
		return nil, c.err
	}
	return &Result{Schema: c.schema, Rows: c.rows}, nil
}

// Wait blocks until the query ends or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
