package mapping

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchema(t *testing.T) {
	s := NewSchema(3, 1, 2, 3)
	require.Equal(t, Schema{1, 2, 3}, s)
	require.Equal(t, 1, s.IndexOf(2))
	require.Equal(t, -1, s.IndexOf(7))
	require.Equal(t, Schema{1, 2, 3, 5}, Union(s, NewSchema(5, 1)))
	require.Equal(t, Schema{1, 3}, Intersect(s, NewSchema(3, 1, 9)))
	require.Empty(t, Intersect(s, NewSchema(9)))
	require.True(t, s.ContainsAll(NewSchema(1, 3)))
	require.False(t, s.ContainsAll(NewSchema(1, 4)))
	require.Equal(t, "[?1 ?2 ?3]", s.String())
}

func TestMappingContainment(t *testing.T) {
	m := New([]uint64{10, 20}, 2, 4, 2)
	require.Equal(t, []uint16{2, 4}, m.KnownBy())
	require.True(t, m.IsKnownBy(4))
	require.False(t, m.IsKnownBy(3))
	require.Equal(t, uint16(2), m.FirstNode())

	v, ok := m.ValueOf(5, NewSchema(1, 5))
	require.True(t, ok)
	require.Equal(t, uint64(20), v)
	_, ok = m.ValueOf(6, NewSchema(1, 5))
	require.False(t, ok)

	require.True(t, New(nil, 1).IsEmpty())
}

func TestRecycleCache(t *testing.T) {
	t.Run("reuses_released_mappings", func(t *testing.T) {
		c := NewRecycleCache(2)
		m := c.Acquire(3)
		require.Equal(t, 3, m.Len())
		m.SetKnownBy(1)

		c.Release(m)
		require.True(t, m.Released())
		require.Equal(t, Sentinel, m.values[0])
		require.Equal(t, 1, c.Len())

		again := c.Acquire(2)
		require.Same(t, m, again)
		require.False(t, again.Released())
		require.Equal(t, []uint64{0, 0}, again.Values())
		require.Empty(t, again.KnownBy())
		require.Equal(t, 0, c.Len())
	})

	t.Run("drops_beyond_capacity", func(t *testing.T) {
		c := NewRecycleCache(1)
		c.Release(c.Acquire(1))
		c.Release(c.Acquire(1))
		c.Release(New([]uint64{1}, 0))
		require.Equal(t, 1, c.Len())
		require.Equal(t, 1, c.Cap())
	})

	t.Run("double_release_is_ignored", func(t *testing.T) {
		c := NewRecycleCache(4)
		m := c.Acquire(1)
		c.Release(m)
		c.Release(m)
		require.Equal(t, 1, c.Len())
	})

	t.Run("nil_cache", func(t *testing.T) {
		var c *RecycleCache
		m := c.Acquire(2)
		require.Equal(t, 2, m.Len())
		c.Release(m)
		require.True(t, m.Released())
		require.Equal(t, 0, c.Len())
	})

	t.Run("debug_panics_on_use_after_release", func(t *testing.T) {
		Debug = true
		t.Cleanup(func() { Debug = false })

		c := NewRecycleCache(1)
		m := c.Acquire(1)
		c.Release(m)
		require.Panics(t, func() { m.Value(0) })
		require.Panics(t, func() { c.Release(m) })
	})
}

func TestCombine(t *testing.T) {
	left := New([]uint64{1, 2}, 1, 1, 2)
	right := New([]uint64{2, 3}, 2, 2)

	c := NewCombiner(NewSchema(10, 20), NewSchema(20, 30))
	require.Equal(t, Schema{10, 20, 30}, c.Schema())

	out := c.Combine(NewRecycleCache(1), left, right, 3)
	require.Equal(t, []uint64{1, 2, 3}, out.Values())
	require.Equal(t, []uint16{3}, out.KnownBy())
	require.Equal(t, uint16(3), out.FirstNode())

	cartesian := Combine(nil, New([]uint64{7}, 1), NewSchema(40), New([]uint64{8}, 1), NewSchema(5), 1)
	require.Equal(t, []uint64{8, 7}, cartesian.Values())
}

func TestProject(t *testing.T) {
	m := New([]uint64{1, 2, 3}, 2, 2, 3)

	out, err := Project(nil, m, NewSchema(1, 2, 3), NewSchema(3, 1))
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 3}, out.Values())
	require.Equal(t, []uint16{2, 3}, out.KnownBy())
	require.Equal(t, uint16(2), out.FirstNode())

	_, err = NewProjector(NewSchema(1), NewSchema(2))
	require.Error(t, err)
}

func TestCodec(t *testing.T) {
	t.Run("round_trip", func(t *testing.T) {
		m := New([]uint64{0, 1 << 63, 42}, 7, 7, 70, 300)
		got, err := Unmarshal(m.Marshal())
		require.NoError(t, err)
		require.Equal(t, m.Values(), got.Values())
		require.Equal(t, m.KnownBy(), got.KnownBy())
		require.Equal(t, uint16(7), got.FirstNode())
	})

	t.Run("empty_mapping", func(t *testing.T) {
		got, err := Unmarshal(New(nil, 3, 3).Marshal())
		require.NoError(t, err)
		require.True(t, got.IsEmpty())
		require.Equal(t, []uint16{3}, got.KnownBy())
	})

	t.Run("truncated", func(t *testing.T) {
		b := New([]uint64{1, 2, 3}, 1, 1).Marshal()
		_, err := Unmarshal(b[:3])
		require.ErrorIs(t, err, ErrMalformed)
	})
}

func TestCopyAndOwnership(t *testing.T) {
	c := NewRecycleCache(2)
	m := New([]uint64{4, 5}, 2, 2, 3)

	cp := c.Copy(m)
	require.NotSame(t, m, cp)
	require.Equal(t, m.Values(), cp.Values())
	require.Equal(t, []uint16{2, 3}, cp.KnownBy())
	require.Equal(t, uint16(2), cp.FirstNode())

	cp.MarkOwnedBy(5)
	require.Equal(t, []uint16{5}, cp.KnownBy())
	require.Equal(t, uint16(5), cp.FirstNode())
	require.Equal(t, []uint16{2, 3}, m.KnownBy())
}
