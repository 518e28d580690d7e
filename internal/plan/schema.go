package plan

import (
	"context"

	"github.com/koral-rdf/koral/internal/mapping"
	"github.com/koral-rdf/koral/pkg/storage"
)

// JoinType distinguishes the degenerate joins recognised before execution.
type JoinType uint8

const (
	// JoinTypeJoin joins children sharing at least one variable.
	JoinTypeJoin JoinType = iota
	// JoinTypeCartesianProduct combines children without shared variables.
	JoinTypeCartesianProduct
	// JoinTypeLeftForward forwards the left mappings if the right child,
	// which binds no variable, produced anything.
	JoinTypeLeftForward
	// JoinTypeRightForward forwards the right mappings if the left child,
	// which binds no variable, produced anything.
	JoinTypeRightForward
)

func (t JoinType) String() string {
	switch t {
	case JoinTypeJoin:
		return "JOIN"
	case JoinTypeCartesianProduct:
		return "CARTESIAN_PRODUCT"
	case JoinTypeLeftForward:
		return "LEFT_FORWARD"
	case JoinTypeRightForward:
		return "RIGHT_FORWARD"
	default:
		return "UNKNOWN"
	}
}

// ResultSchema returns the variables bound by the mappings op emits.
func ResultSchema(op Operator) mapping.Schema {
	switch op := op.(type) {
	case *Match:
		var vars []mapping.Variable
		for _, t := range []Term{op.Subject, op.Property, op.Object} {
			if t.IsVar {
				vars = append(vars, t.Variable)
			}
		}
		return mapping.NewSchema(vars...)
	case *Join:
		return mapping.Union(ResultSchema(op.Left), ResultSchema(op.Right))
	case *Projection:
		return mapping.NewSchema(op.Vars...)
	case *Slice:
		return ResultSchema(op.Child)
	default:
		return nil
	}
}

// JoinTypeOf classifies the join of left and right.
func JoinTypeOf(left, right Operator) JoinType {
	ls, rs := ResultSchema(left), ResultSchema(right)
	switch {
	case len(rs) == 0:
		return JoinTypeLeftForward
	case len(ls) == 0:
		return JoinTypeRightForward
	case len(mapping.Intersect(ls, rs)) == 0:
		return JoinTypeCartesianProduct
	default:
		return JoinTypeJoin
	}
}

// JoinVars returns the variables op joins its inputs on. Only joins of
// type JoinTypeJoin have join variables.
func JoinVars(op Operator) mapping.Schema {
	j, ok := op.(*Join)
	if !ok {
		return nil
	}
	return mapping.Intersect(ResultSchema(j.Left), ResultSchema(j.Right))
}

// FirstJoinVar returns the join variable that decides which node owns a
// mapping sent to op.
func FirstJoinVar(op Operator) (mapping.Variable, bool) {
	vars := JoinVars(op)
	if len(vars) == 0 {
		return 0, false
	}
	return vars[0], true
}

// Statistics provides the triple cardinalities load estimation is based on.
type Statistics interface {
	Count(ctx context.Context, p storage.Pattern) (uint64, error)
}

// EstimateLoads returns the estimated number of mappings every operator of
// the tree rooted at root produces, keyed by task id.
func EstimateLoads(ctx context.Context, root Operator, stats Statistics) (map[uint16]int64, error) {
	loads := make(map[uint16]int64)
	var err error
	Walk(root, func(op Operator) {
		if err != nil {
			return
		}

		var load int64
		switch op := op.(type) {
		case *Match:
			var n uint64
			n, err = stats.Count(ctx, op.Pattern())
			load = int64(n)
		case *Join:
			l, r := loads[op.Left.TaskID()], loads[op.Right.TaskID()]
			switch JoinTypeOf(op.Left, op.Right) {
			case JoinTypeJoin:
				load = l + r
			case JoinTypeCartesianProduct:
				load = saturatingMul(l, r)
			case JoinTypeLeftForward:
				load = l
			case JoinTypeRightForward:
				load = r
			}
		case *Projection:
			load = loads[op.Child.TaskID()]
		case *Slice:
			load = min(loads[op.Child.TaskID()], int64(min(op.Length, uint64(maxLoad))))
		}
		loads[op.TaskID()] = load
	})
	if err != nil {
		return nil, err
	}
	return loads, nil
}

const maxLoad = int64(^uint64(0) >> 1)

func saturatingMul(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > maxLoad/b {
		return maxLoad
	}
	return a * b
}
