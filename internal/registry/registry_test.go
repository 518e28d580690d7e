package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/koral-rdf/koral/internal/mocks"
	"github.com/koral-rdf/koral/internal/task"
	"github.com/koral-rdf/koral/pkg/id"
)

func newTask(ctrl *gomock.Controller, tid id.TaskID) *mocks.MockTask {
	t := mocks.NewMockTask(ctrl)
	t.EXPECT().ID().Return(tid).AnyTimes()
	return t
}

func TestRegistry(t *testing.T) {
	ctrl := gomock.NewController(t)
	r := New()

	a := newTask(ctrl, id.New(1, 7, 2))
	b := newTask(ctrl, id.New(1, 7, 1))
	c := newTask(ctrl, id.New(1, 8, 1))

	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	require.NoError(t, r.Register(c))
	require.ErrorIs(t, r.Register(newTask(ctrl, id.New(1, 7, 2))), ErrDuplicateTask)
	require.Equal(t, 3, r.Len())

	got, ok := r.Lookup(id.New(1, 7, 2))
	require.True(t, ok)
	require.Same(t, a, got)

	require.Equal(t, []task.Task{b, a}, r.TasksOfQuery(7))
	require.Equal(t, []uint32{7, 8}, r.Queries())

	r.Unregister(id.New(1, 8, 1))
	r.Unregister(id.New(1, 8, 1))
	require.Equal(t, 2, r.Len())
	require.Empty(t, r.TasksOfQuery(8))
	require.Equal(t, []uint32{7}, r.Queries())

	_, ok = r.Lookup(id.New(1, 8, 1))
	require.False(t, ok)
}

func TestRegisterAllIsAtomic(t *testing.T) {
	ctrl := gomock.NewController(t)
	r := New()

	existing := newTask(ctrl, id.New(1, 7, 3))
	require.NoError(t, r.Register(existing))

	err := r.RegisterAll([]task.Task{
		newTask(ctrl, id.New(1, 7, 1)),
		newTask(ctrl, id.New(1, 7, 2)),
		newTask(ctrl, id.New(1, 7, 3)),
	})
	require.ErrorIs(t, err, ErrDuplicateTask)
	require.Equal(t, 1, r.Len())
}
