package dispatch

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/koral-rdf/koral/internal/build"
	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/internal/messages"
	"github.com/koral-rdf/koral/internal/transport"
	"github.com/koral-rdf/koral/pkg/id"
	"github.com/koral-rdf/koral/pkg/logger"
)

var receivedMessagesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "dispatch_received_messages_count",
	Help:      "The total number of messages received from other nodes.",
}, []string{"type"})

// ControlHandler handles the messages addressed to a node rather than to
// one of its tasks.
type ControlHandler interface {
	CreateQuery(ctx context.Context, msg *messages.QueryCreate) error
	StartQuery(query uint32)
	AbortQuery(query uint32)
}

// coordinatorTask is implemented by the tasks that accept creation and
// failure reports.
type coordinatorTask interface {
	EnqueueCreated(node uint16)
	EnqueueFailed(task id.TaskID, cause string)
}

// Receiver hands the frames received by a node to its tasks.
type Receiver struct {
	control ControlHandler
	tasks   Lookup
	logger  logger.Logger
}

var _ transport.Handler = (*Receiver)(nil)

func NewReceiver(control ControlHandler, tasks Lookup, l logger.Logger) *Receiver {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &Receiver{control: control, tasks: tasks, logger: l}
}

func (r *Receiver) Handle(ctx context.Context, frame []byte) {
	env, err := messages.Decode(frame)
	if err != nil {
		r.logger.WarnWithContext(ctx, "failed to decode frame", zap.Error(err))
		return
	}
	r.Dispatch(ctx, env)
}

// Dispatch delivers a decoded message.
func (r *Receiver) Dispatch(ctx context.Context, env messages.Envelope) {
	typ := env.Message.Type()
	receivedMessagesCounter.WithLabelValues(typ.String()).Inc()

	switch msg := env.Message.(type) {
	case *messages.QueryCreate:
		// Failures are reported to the coordinator by the handler.
		_ = r.control.CreateQuery(ctx, msg)
		return
	case *messages.QueryStart:
		r.control.StartQuery(msg.Query)
		return
	case *messages.QueryAbort:
		r.control.AbortQuery(msg.Query)
		return
	}

	receiver, _ := messages.Receiver(env.Message)
	t, ok := r.tasks.Lookup(receiver)
	if !ok {
		r.dropped(typ, receiver, env.Sender)
		return
	}

	switch msg := env.Message.(type) {
	case *messages.QueryTaskFinished:
		t.EnqueueFinished(env.Sender)
	case *messages.QueryMappingBatch:
		ms := make([]*mapping.Mapping, 0, len(msg.Mappings))
		for _, b := range msg.Mappings {
			m, err := mapping.Unmarshal(b)
			if err != nil {
				r.logger.WarnWithContext(ctx, "failed to decode mapping",
					zap.Stringer("receiver", receiver),
					zap.Uint16("sender", env.Sender),
					zap.Error(err),
				)
				continue
			}
			ms = append(ms, m)
		}
		t.EnqueueMappings(int(msg.Child), ms...)
	case *messages.QueryCreated:
		c, ok := t.(coordinatorTask)
		if !ok {
			r.dropped(typ, receiver, env.Sender)
			return
		}
		c.EnqueueCreated(env.Sender)
	case *messages.QueryTaskFailed:
		c, ok := t.(coordinatorTask)
		if !ok {
			r.dropped(typ, receiver, env.Sender)
			return
		}
		c.EnqueueFailed(msg.Task, msg.Cause)
	}
}

func (r *Receiver) dropped(typ messages.Type, receiver id.TaskID, sender uint16) {
	droppedMessagesCounter.WithLabelValues(typ.String()).Inc()
	r.logger.Debug("receiver gone, message dropped",
		zap.Stringer("type", typ),
		zap.Stringer("receiver", receiver),
		zap.Uint16("sender", sender),
	)
}
