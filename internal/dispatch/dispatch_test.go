package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/sourcegraph/conc/panics"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/internal/messages"
	"github.com/koral-rdf/koral/internal/mocks"
	"github.com/koral-rdf/koral/internal/task"
	"github.com/koral-rdf/koral/pkg/id"
)

type tasks map[id.TaskID]task.Task

func (ts tasks) Lookup(tid id.TaskID) (task.Task, bool) {
	t, ok := ts[tid]
	return t, ok
}

type sentFrame struct {
	node uint16
	env  messages.Envelope
}

type recordingTransport struct {
	mu     sync.Mutex
	frames []sentFrame
	err    error
}

func (r *recordingTransport) Send(_ context.Context, node uint16, frame []byte) error {
	env, err := messages.Decode(frame)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames = append(r.frames, sentFrame{node: node, env: env})
	return r.err
}

func (r *recordingTransport) Close() error { return nil }

func (r *recordingTransport) sent() []sentFrame {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]sentFrame(nil), r.frames...)
}

func newSender(t *testing.T, batchSize int, ts tasks) (*Sender, *recordingTransport) {
	t.Helper()

	tr := &recordingTransport{}
	s, err := NewSender(SenderConfig{Local: 1, BatchSize: batchSize}, tr, ts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, tr
}

func decodeBatch(t *testing.T, msg messages.Message) (*messages.QueryMappingBatch, [][]uint64) {
	t.Helper()

	batch, ok := msg.(*messages.QueryMappingBatch)
	require.True(t, ok, "got %T", msg)
	var values [][]uint64
	for _, b := range batch.Mappings {
		m, err := mapping.Unmarshal(b)
		require.NoError(t, err)
		values = append(values, m.Values())
	}
	return batch, values
}

func TestSendMappingToLocalTask(t *testing.T) {
	ctrl := gomock.NewController(t)
	receiver := id.New(1, 4, 2)
	tk := mocks.NewMockTask(ctrl)

	m := mapping.New([]uint64{7}, 1, 1)
	tk.EXPECT().EnqueueMappings(1, m)
	tk.EXPECT().EnqueueFinished(uint16(1))

	s, tr := newSender(t, 10, tasks{receiver: tk})
	cache := mapping.NewRecycleCache(4)
	s.SendMapping(receiver, 1, m, cache)
	s.SendFinished(receiver)
	require.Zero(t, cache.Len())

	// A receiver that is gone gets nothing and the mapping is recycled.
	s.SendMapping(id.New(1, 4, 3), 0, mapping.New([]uint64{8}, 1, 1), cache)
	s.SendFinished(id.New(1, 4, 3))
	require.Equal(t, 1, cache.Len())

	s.Flush()
	require.Empty(t, tr.sent())
}

func TestMappingsAreBatchedPerReceiver(t *testing.T) {
	s, tr := newSender(t, 3, tasks{})
	cache := mapping.NewRecycleCache(8)
	a, b := id.New(2, 4, 2), id.New(2, 4, 5)

	s.SendMapping(a, 0, mapping.New([]uint64{1}, 1, 1), cache)
	s.SendMapping(b, 1, mapping.New([]uint64{2, 3}, 1, 1), cache)
	require.Empty(t, tr.sent())
	require.Equal(t, 2, cache.Len())

	s.SendMapping(a, 0, mapping.New([]uint64{4}, 1, 1), cache)
	sent := tr.sent()
	require.Len(t, sent, 2)

	batch, values := decodeBatch(t, sent[0].env.Message)
	require.Equal(t, uint16(2), sent[0].node)
	require.Equal(t, uint16(1), sent[0].env.Sender)
	require.Equal(t, a, batch.Receiver)
	require.Equal(t, uint32(0), batch.Child)
	require.Equal(t, [][]uint64{{1}, {4}}, values)

	batch, values = decodeBatch(t, sent[1].env.Message)
	require.Equal(t, b, batch.Receiver)
	require.Equal(t, uint32(1), batch.Child)
	require.Equal(t, [][]uint64{{2, 3}}, values)

	s.Flush()
	require.Len(t, tr.sent(), 2)
}

func TestControlMessagesFollowBufferedMappings(t *testing.T) {
	s, tr := newSender(t, 100, tasks{})
	cache := mapping.NewRecycleCache(8)

	s.SendMapping(id.New(2, 4, 2), 0, mapping.New([]uint64{1}, 1, 1), cache)
	s.SendMapping(id.New(3, 4, 2), 0, mapping.New([]uint64{2}, 1, 1), cache)
	s.SendFinished(id.New(2, 4, 2))

	sent := tr.sent()
	require.Len(t, sent, 2)
	require.Equal(t, messages.TypeQueryMappingBatch, sent[0].env.Message.Type())
	require.Equal(t, &messages.QueryTaskFinished{Receiver: id.New(2, 4, 2)}, sent[1].env.Message)
	require.Equal(t, uint16(2), sent[1].node)

	s.SendFailed(id.New(0, 4, 0), id.New(1, 4, 2), errors.New("broken"))
	sent = tr.sent()
	require.Len(t, sent, 3)
	require.Equal(t, &messages.QueryTaskFailed{
		Receiver: id.New(0, 4, 0),
		Task:     id.New(1, 4, 2),
		Cause:    "*errors.errorString: broken",
	}, sent[2].env.Message)

	// The mapping for node 3 is still buffered.
	s.Flush()
	sent = tr.sent()
	require.Len(t, sent, 4)
	require.Equal(t, uint16(3), sent[3].node)
}

type codeError struct {
	code int
}

func (e *codeError) Error() string { return fmt.Sprintf("code %d", e.code) }

func TestDescribeFailure(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		prefix string
	}{
		{name: "plain", err: &codeError{code: 3}, prefix: "*dispatch.codeError: code 3"},
		{name: "wrapped", err: fmt.Errorf("match 2: %w", &codeError{code: 4}), prefix: "*dispatch.codeError: match 2: code 4"},
		{name: "panic", err: panics.Try(func() { panic("boom") }).AsError(), prefix: "*panics.ErrRecovered: panic: boom"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.True(t, strings.HasPrefix(describe(test.err), test.prefix), describe(test.err))
		})
	}
}

func TestFlushToManyNodes(t *testing.T) {
	s, tr := newSender(t, 100, tasks{})
	cache := mapping.NewRecycleCache(8)

	for node := uint16(2); node < 8; node++ {
		s.SendMapping(id.New(node, 4, 2), 0, mapping.New([]uint64{uint64(node)}, 1, 1), cache)
		s.SendMapping(id.New(node, 4, 2), 0, mapping.New([]uint64{uint64(node) * 10}, 1, 1), cache)
	}
	s.Flush()

	sent := tr.sent()
	require.Len(t, sent, 6)
	for _, f := range sent {
		_, values := decodeBatch(t, f.env.Message)
		require.Equal(t, [][]uint64{{uint64(f.node)}, {uint64(f.node) * 10}}, values)
	}
}

func TestSendErrorsAreNotFatal(t *testing.T) {
	s, tr := newSender(t, 1, tasks{})
	tr.err = errors.New("connection refused")

	require.NotPanics(t, func() {
		s.SendMapping(id.New(2, 4, 2), 0, mapping.New([]uint64{1}, 1, 1), mapping.NewRecycleCache(1))
		s.Send(2, &messages.QueryStart{Query: 4})
	})
	require.Len(t, tr.sent(), 2)
}

type control struct {
	created []*messages.QueryCreate
	started []uint32
	aborted []uint32
}

func (c *control) CreateQuery(_ context.Context, msg *messages.QueryCreate) error {
	c.created = append(c.created, msg)
	return nil
}

func (c *control) StartQuery(query uint32) { c.started = append(c.started, query) }
func (c *control) AbortQuery(query uint32) { c.aborted = append(c.aborted, query) }

type coordinator struct {
	task.Task
	created []uint16
	failed  map[id.TaskID]string
}

func (c *coordinator) EnqueueCreated(node uint16) { c.created = append(c.created, node) }

func (c *coordinator) EnqueueFailed(tid id.TaskID, cause string) {
	if c.failed == nil {
		c.failed = map[id.TaskID]string{}
	}
	c.failed[tid] = cause
}

func TestReceiverDispatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	operator := mocks.NewMockTask(ctrl)
	coord := &coordinator{Task: mocks.NewMockTask(ctrl)}
	opID, coordID := id.New(1, 4, 2), id.New(1, 4, 0)

	ctl := &control{}
	r := NewReceiver(ctl, tasks{opID: operator, coordID: coord}, nil)
	ctx := context.Background()
	deliver := func(sender uint16, msg messages.Message) {
		r.Handle(ctx, messages.Encode(sender, msg))
	}

	create := &messages.QueryCreate{CoordinatorNode: 0, Coordinator: id.New(0, 4, 0), Plan: []byte{1, 2}}
	deliver(0, create)
	deliver(0, &messages.QueryStart{Query: 4})
	deliver(0, &messages.QueryAbort{Query: 9})
	require.Equal(t, []*messages.QueryCreate{create}, ctl.created)
	require.Equal(t, []uint32{4}, ctl.started)
	require.Equal(t, []uint32{9}, ctl.aborted)

	operator.EXPECT().EnqueueFinished(uint16(3))
	deliver(3, &messages.QueryTaskFinished{Receiver: opID})

	var received [][]uint64
	operator.EXPECT().EnqueueMappings(1, gomock.Any(), gomock.Any()).Do(func(_ int, ms ...*mapping.Mapping) {
		for _, m := range ms {
			received = append(received, m.Values())
		}
	})
	deliver(3, &messages.QueryMappingBatch{
		Receiver: opID,
		Child:    1,
		Mappings: [][]byte{
			mapping.New([]uint64{5, 6}, 3, 3).Marshal(),
			mapping.New([]uint64{7, 8}, 3, 3).Marshal(),
		},
	})
	require.Equal(t, [][]uint64{{5, 6}, {7, 8}}, received)

	deliver(2, &messages.QueryCreated{Receiver: coordID})
	deliver(2, &messages.QueryTaskFailed{Receiver: coordID, Task: id.New(2, 4, 1), Cause: "no plan"})
	require.Equal(t, []uint16{2}, coord.created)
	require.Equal(t, map[id.TaskID]string{id.New(2, 4, 1): "no plan"}, coord.failed)

	// Neither of these reaches a task: the operator is no coordinator and
	// the last receiver is gone.
	deliver(2, &messages.QueryCreated{Receiver: opID})
	deliver(2, &messages.QueryTaskFinished{Receiver: id.New(1, 4, 7)})

	require.NotPanics(t, func() {
		r.Handle(ctx, []byte{0xff})
		r.Handle(ctx, []byte{0xff, 0, 1})
	})
}
