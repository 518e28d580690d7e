package plan

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/koral-rdf/koral/internal/mapping"
)

var (
	ErrUnknownOperator = errors.New("unknown operator")
	ErrMalformedPlan   = errors.New("malformed plan")
	ErrInvalidPlan     = errors.New("invalid plan")
)

const (
	fieldKind     protowire.Number = 1
	fieldID       protowire.Number = 2
	fieldSubject  protowire.Number = 3
	fieldProperty protowire.Number = 4
	fieldObject   protowire.Number = 5
	fieldVars     protowire.Number = 6
	fieldOffset   protowire.Number = 7
	fieldLength   protowire.Number = 8
	fieldChild    protowire.Number = 9

	fieldTermIsVar protowire.Number = 1
	fieldTermValue protowire.Number = 2

	maxDepth = 128
)

// Marshal returns the wire form of the tree rooted at op.
func Marshal(op Operator) []byte {
	return appendOperator(nil, op)
}

func appendOperator(b []byte, op Operator) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Kind()))
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.TaskID()))

	switch op := op.(type) {
	case *Match:
		b = appendTerm(b, fieldSubject, op.Subject)
		b = appendTerm(b, fieldProperty, op.Property)
		b = appendTerm(b, fieldObject, op.Object)
	case *Projection:
		var packed []byte
		for _, v := range op.Vars {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		b = protowire.AppendTag(b, fieldVars, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	case *Slice:
		b = protowire.AppendTag(b, fieldOffset, protowire.VarintType)
		b = protowire.AppendVarint(b, op.Offset)
		b = protowire.AppendTag(b, fieldLength, protowire.VarintType)
		b = protowire.AppendVarint(b, op.Length)
	}

	for _, c := range op.Children() {
		b = protowire.AppendTag(b, fieldChild, protowire.BytesType)
		b = protowire.AppendBytes(b, appendOperator(nil, c))
	}
	return b
}

func appendTerm(b []byte, num protowire.Number, t Term) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fieldTermIsVar, protowire.VarintType)
	inner = protowire.AppendVarint(inner, protowire.EncodeBool(t.IsVar))
	inner = protowire.AppendTag(inner, fieldTermValue, protowire.VarintType)
	if t.IsVar {
		inner = protowire.AppendVarint(inner, uint64(t.Variable))
	} else {
		inner = protowire.AppendVarint(inner, t.Constant)
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

// Unmarshal decodes an operator tree. The tree is not validated.
func Unmarshal(b []byte) (Operator, error) {
	return unmarshalOperator(b, 0)
}

type wireOperator struct {
	kind     Kind
	id       uint16
	terms    [3]Term
	vars     []mapping.Variable
	offset   uint64
	length   uint64
	children []Operator
}

func unmarshalOperator(b []byte, depth int) (Operator, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: deeper than %d operators", ErrMalformedPlan, maxDepth)
	}

	var w wireOperator
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed(n)
			}
			b = b[n:]
			switch num {
			case fieldKind:
				w.kind = Kind(v)
			case fieldID:
				w.id = uint16(v)
			case fieldOffset:
				w.offset = v
			case fieldLength:
				w.length = v
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed(n)
			}
			b = b[n:]
			switch num {
			case fieldSubject, fieldProperty, fieldObject:
				t, err := unmarshalTerm(v)
				if err != nil {
					return nil, err
				}
				w.terms[num-fieldSubject] = t
			case fieldVars:
				for len(v) > 0 {
					x, n := protowire.ConsumeVarint(v)
					if n < 0 {
						return nil, malformed(n)
					}
					v = v[n:]
					w.vars = append(w.vars, mapping.Variable(x))
				}
			case fieldChild:
				c, err := unmarshalOperator(v, depth+1)
				if err != nil {
					return nil, err
				}
				w.children = append(w.children, c)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed(n)
			}
			b = b[n:]
		}
	}

	return w.build()
}

func (w *wireOperator) build() (Operator, error) {
	want := map[Kind]int{KindMatch: 0, KindJoin: 2, KindProjection: 1, KindSlice: 1}
	n, ok := want[w.kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, w.kind)
	}
	if len(w.children) != n {
		return nil, fmt.Errorf("%w: %s operator %d has %d children", ErrMalformedPlan, w.kind, w.id, len(w.children))
	}

	switch w.kind {
	case KindMatch:
		return &Match{ID: w.id, Subject: w.terms[0], Property: w.terms[1], Object: w.terms[2]}, nil
	case KindJoin:
		return &Join{ID: w.id, Left: w.children[0], Right: w.children[1]}, nil
	case KindProjection:
		return &Projection{ID: w.id, Vars: mapping.Schema(w.vars), Child: w.children[0]}, nil
	default:
		return &Slice{ID: w.id, Offset: w.offset, Length: w.length, Child: w.children[0]}, nil
	}
}

func unmarshalTerm(b []byte) (Term, error) {
	var t Term
	var value uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return t, malformed(n)
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return t, malformed(n)
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return t, malformed(n)
		}
		b = b[n:]
		switch num {
		case fieldTermIsVar:
			t.IsVar = protowire.DecodeBool(v)
		case fieldTermValue:
			value = v
		}
	}

	if t.IsVar {
		t.Variable = mapping.Variable(value)
	} else {
		t.Constant = value
	}
	return t, nil
}

func malformed(n int) error {
	return fmt.Errorf("%w: %w", ErrMalformedPlan, protowire.ParseError(n))
}
