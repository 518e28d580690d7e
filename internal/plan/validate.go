package plan

import "fmt"

// Validate checks that the tree rooted at root can be executed.
func Validate(root Operator) error {
	if root == nil {
		return fmt.Errorf("%w: empty tree", ErrInvalidPlan)
	}

	seen := make(map[uint16]struct{})
	var check func(Operator) error
	check = func(op Operator) error {
		if op.TaskID() == 0 {
			return fmt.Errorf("%w: %s operator without task id", ErrInvalidPlan, op.Kind())
		}
		if _, ok := seen[op.TaskID()]; ok {
			return fmt.Errorf("%w: task id %d used twice", ErrInvalidPlan, op.TaskID())
		}
		seen[op.TaskID()] = struct{}{}

		for _, c := range op.Children() {
			if c == nil {
				return fmt.Errorf("%w: %s operator %d misses a child", ErrInvalidPlan, op.Kind(), op.TaskID())
			}
			if err := check(c); err != nil {
				return err
			}
		}

		switch op := op.(type) {
		case *Projection:
			if !ResultSchema(op.Child).ContainsAll(op.Vars) {
				return fmt.Errorf("%w: projection %d selects %v from %v", ErrInvalidPlan, op.ID, op.Vars, ResultSchema(op.Child))
			}
		case *Slice:
			if op.Length == 0 {
				return fmt.Errorf("%w: slice %d has no length", ErrInvalidPlan, op.ID)
			}
		}
		return nil
	}

	return check(root)
}
