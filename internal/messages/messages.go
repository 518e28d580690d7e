// Package messages defines the frames the nodes of a cluster exchange.
//
// A frame is a one byte type tag, the big endian id of the sending node and
// a protobuf wire encoded payload.
package messages

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/koral-rdf/koral/pkg/id"
)

// Type is the tag of a frame.
type Type uint8

const (
	TypeQueryCreate Type = iota + 1
	TypeQueryCreated
	TypeQueryStart
	TypeQueryAbort
	TypeQueryTaskFinished
	TypeQueryTaskFailed
	TypeQueryMappingBatch
)

func (t Type) String() string {
	switch t {
	case TypeQueryCreate:
		return "QUERY_CREATE"
	case TypeQueryCreated:
		return "QUERY_CREATED"
	case TypeQueryStart:
		return "QUERY_START"
	case TypeQueryAbort:
		return "QUERY_ABORT"
	case TypeQueryTaskFinished:
		return "QUERY_TASK_FINISHED"
	case TypeQueryTaskFailed:
		return "QUERY_TASK_FAILED"
	case TypeQueryMappingBatch:
		return "QUERY_MAPPING_BATCH"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

const headerSize = 3

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

// Message is the payload of a frame.
type Message interface {
	Type() Type
}

// QueryCreate asks a slave to create its copy of a query's operator tree.
type QueryCreate struct {
	CoordinatorNode uint16
	Coordinator     id.TaskID
	Plan            []byte
}

// QueryCreated tells the coordinator that the sender placed its copy of
// the query.
type QueryCreated struct {
	Receiver id.TaskID
}

// QueryStart starts every task of a query.
type QueryStart struct {
	Query uint32
}

// QueryAbort aborts every task of a query.
type QueryAbort struct {
	Query uint32
}

// QueryTaskFinished tells the receiver that the copy of its task on the
// sending node finished.
type QueryTaskFinished struct {
	Receiver id.TaskID
}

// QueryTaskFailed reports to the coordinator that a task could not be
// placed or failed while running.
type QueryTaskFailed struct {
	Receiver id.TaskID
	Task     id.TaskID
	Cause    string
}

// QueryMappingBatch carries serialized mappings for one input of a task.
type QueryMappingBatch struct {
	Receiver id.TaskID
	Child    uint32
	Mappings [][]byte
}

func (*QueryCreate) Type() Type       { return TypeQueryCreate }
func (*QueryCreated) Type() Type      { return TypeQueryCreated }
func (*QueryStart) Type() Type        { return TypeQueryStart }
func (*QueryAbort) Type() Type        { return TypeQueryAbort }
func (*QueryTaskFinished) Type() Type { return TypeQueryTaskFinished }
func (*QueryTaskFailed) Type() Type   { return TypeQueryTaskFailed }
func (*QueryMappingBatch) Type() Type { return TypeQueryMappingBatch }

// Receiver returns the task a task addressed message is for.
func Receiver(msg Message) (id.TaskID, bool) {
	switch msg := msg.(type) {
	case *QueryCreated:
		return msg.Receiver, true
	case *QueryTaskFinished:
		return msg.Receiver, true
	case *QueryTaskFailed:
		return msg.Receiver, true
	case *QueryMappingBatch:
		return msg.Receiver, true
	default:
		return 0, false
	}
}

// Envelope is a decoded frame.
type Envelope struct {
	Sender  uint16
	Message Message
}

// Encode returns the frame of msg sent by node sender.
func Encode(sender uint16, msg Message) []byte {
	b := make([]byte, headerSize, 64)
	b[0] = byte(msg.Type())
	binary.BigEndian.PutUint16(b[1:], sender)

	switch msg := msg.(type) {
	case *QueryCreate:
		b = appendVarint(b, 1, uint64(msg.CoordinatorNode))
		b = appendVarint(b, 2, uint64(msg.Coordinator))
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, msg.Plan)
	case *QueryCreated:
		b = appendVarint(b, 1, uint64(msg.Receiver))
	case *QueryStart:
		b = appendVarint(b, 1, uint64(msg.Query))
	case *QueryAbort:
		b = appendVarint(b, 1, uint64(msg.Query))
	case *QueryTaskFinished:
		b = appendVarint(b, 1, uint64(msg.Receiver))
	case *QueryTaskFailed:
		b = appendVarint(b, 1, uint64(msg.Receiver))
		b = appendVarint(b, 2, uint64(msg.Task))
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, msg.Cause)
	case *QueryMappingBatch:
		b = appendVarint(b, 1, uint64(msg.Receiver))
		b = appendVarint(b, 2, uint64(msg.Child))
		for _, m := range msg.Mappings {
			b = protowire.AppendTag(b, 3, protowire.BytesType)
			b = protowire.AppendBytes(b, m)
		}
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Decode parses a frame. Byte slices of the message alias frame.
func Decode(frame []byte) (Envelope, error) {
	if len(frame) < headerSize {
		return Envelope{}, fmt.Errorf("%w: frame of %d bytes", ErrMalformed, len(frame))
	}

	env := Envelope{Sender: binary.BigEndian.Uint16(frame[1:])}
	typ := Type(frame[0])

	var varints [4]uint64
	var bytesFields [][]byte
	b := frame[headerSize:]
	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, malformed(n)
		}
		b = b[n:]

		switch {
		case wt == protowire.VarintType && num < protowire.Number(len(varints)):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, malformed(n)
			}
			b = b[n:]
			varints[num] = v
		case wt == protowire.BytesType && num == 3:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, malformed(n)
			}
			b = b[n:]
			bytesFields = append(bytesFields, v)
		default:
			n := protowire.ConsumeFieldValue(num, wt, b)
			if n < 0 {
				return Envelope{}, malformed(n)
			}
			b = b[n:]
		}
	}

	last := func() []byte {
		if len(bytesFields) == 0 {
			return nil
		}
		return bytesFields[len(bytesFields)-1]
	}

	switch typ {
	case TypeQueryCreate:
		env.Message = &QueryCreate{
			CoordinatorNode: uint16(varints[1]),
			Coordinator:     id.TaskID(varints[2]),
			Plan:            last(),
		}
	case TypeQueryCreated:
		env.Message = &QueryCreated{Receiver: id.TaskID(varints[1])}
	case TypeQueryStart:
		env.Message = &QueryStart{Query: uint32(varints[1])}
	case TypeQueryAbort:
		env.Message = &QueryAbort{Query: uint32(varints[1])}
	case TypeQueryTaskFinished:
		env.Message = &QueryTaskFinished{Receiver: id.TaskID(varints[1])}
	case TypeQueryTaskFailed:
		env.Message = &QueryTaskFailed{
			Receiver: id.TaskID(varints[1]),
			Task:     id.TaskID(varints[2]),
			Cause:    string(last()),
		}
	case TypeQueryMappingBatch:
		env.Message = &QueryMappingBatch{
			Receiver: id.TaskID(varints[1]),
			Child:    uint32(varints[2]),
			Mappings: bytesFields,
		}
	default:
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}

	return env, nil
}

func malformed(n int) error {
	return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
}
