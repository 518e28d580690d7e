// Package plan describes the operator tree of a query as it is shipped
// from the master to every slave.
package plan

import (
	"fmt"

	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/pkg/storage"
)

// Kind tags the operator variants on the wire.
type Kind uint8

const (
	KindMatch Kind = iota + 1
	KindJoin
	KindProjection
	KindSlice
)

func (k Kind) String() string {
	switch k {
	case KindMatch:
		return "match"
	case KindJoin:
		return "join"
	case KindProjection:
		return "projection"
	case KindSlice:
		return "slice"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Operator is one node of an operator tree. The set of implementations is
// closed: *Match, *Join, *Projection and *Slice.
type Operator interface {
	// TaskID is the id of the operator within its query. Every node runs a
	// copy of the operator under this id.
	TaskID() uint16
	Kind() Kind
	Children() []Operator

	sealed()
}

// Term is a position of a triple pattern: either a variable or a constant.
type Term struct {
	Variable mapping.Variable
	Constant uint64
	IsVar    bool
}

// Var returns a variable term.
func Var(v mapping.Variable) Term {
	return Term{Variable: v, IsVar: true}
}

// Const returns a constant term.
func Const(c uint64) Term {
	return Term{Constant: c}
}

func (t Term) String() string {
	if t.IsVar {
		return fmt.Sprintf("?%d", t.Variable)
	}
	return fmt.Sprintf("%d", t.Constant)
}

// Match selects the triples of the local graph chunk matching a pattern.
type Match struct {
	ID       uint16
	Subject  Term
	Property Term
	Object   Term
}

// Join combines the mappings of both children that agree on their shared
// variables.
type Join struct {
	ID    uint16
	Left  Operator
	Right Operator
}

// Projection narrows the mappings of its child to Vars.
type Projection struct {
	ID    uint16
	Vars  mapping.Schema
	Child Operator
}

// Slice skips the first Offset mappings of its child and passes at most
// Length of the following ones.
type Slice struct {
	ID     uint16
	Offset uint64
	Length uint64
	Child  Operator
}

func (m *Match) TaskID() uint16      { return m.ID }
func (j *Join) TaskID() uint16       { return j.ID }
func (p *Projection) TaskID() uint16 { return p.ID }
func (s *Slice) TaskID() uint16      { return s.ID }

func (*Match) Kind() Kind      { return KindMatch }
func (*Join) Kind() Kind       { return KindJoin }
func (*Projection) Kind() Kind { return KindProjection }
func (*Slice) Kind() Kind      { return KindSlice }

func (*Match) Children() []Operator        { return nil }
func (j *Join) Children() []Operator       { return []Operator{j.Left, j.Right} }
func (p *Projection) Children() []Operator { return []Operator{p.Child} }
func (s *Slice) Children() []Operator      { return []Operator{s.Child} }

func (*Match) sealed()      {}
func (*Join) sealed()       {}
func (*Projection) sealed() {}
func (*Slice) sealed()      {}

// Pattern returns the storage pattern of m. Variables match anything.
func (m *Match) Pattern() storage.Pattern {
	var p storage.Pattern
	if !m.Subject.IsVar {
		p.Subject = m.Subject.Constant
	}
	if !m.Property.IsVar {
		p.Property = m.Property.Constant
	}
	if !m.Object.IsVar {
		p.Object = m.Object.Constant
	}
	return p
}

// Walk calls fn for every operator of the tree rooted at op, children
// before their parent.
func Walk(op Operator, fn func(Operator)) {
	for _, c := range op.Children() {
		if c != nil {
			Walk(c, fn)
		}
	}
	fn(op)
}

// ByHeight groups the operators of the tree rooted at op by their height,
// leaves first.
func ByHeight(op Operator) [][]Operator {
	var levels [][]Operator
	var visit func(Operator) int
	visit = func(op Operator) int {
		height := 0
		for _, c := range op.Children() {
			height = max(height, visit(c)+1)
		}
		for len(levels) <= height {
			levels = append(levels, nil)
		}
		levels[height] = append(levels[height], op)
		return height
	}
	visit(op)
	return levels
}

// Parents maps the task id of every operator below root to its parent.
func Parents(root Operator) map[uint16]Operator {
	parents := make(map[uint16]Operator)
	Walk(root, func(op Operator) {
		for _, c := range op.Children() {
			parents[c.TaskID()] = op
		}
	})
	return parents
}
