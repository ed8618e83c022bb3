package alloc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNone(t *testing.T) {
	t.Parallel()
	assert.True(t, None.Empty())
	assert.NoError(t, None.Free())
}

func TestCombinedFreesFrontThenTail(t *testing.T) {
	t.Parallel()
	var order []string
	front := NewFunc(func() error { order = append(order, "front"); return nil })
	tail := NewFunc(func() error { order = append(order, "tail"); return nil })

	c := Combine(front, Combine(tail, None))
	assert.False(t, c.Empty())
	require.NoError(t, c.Free())
	assert.Equal(t, []string{"front", "tail"}, order)

	// released once
	require.NoError(t, c.Free())
	assert.Len(t, order, 2)
}

func TestCombinedJoinsErrors(t *testing.T) {
	t.Parallel()
	errA := errors.New("a")
	errB := errors.New("b")
	c := Combine(NewFunc(func() error { return errA }), NewFunc(func() error { return errB }))
	err := c.Free()
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestEmptyChains(t *testing.T) {
	t.Parallel()
	assert.True(t, Combine(None, Combine(nil, nil)).Empty())
	assert.False(t, Combine(None, NewFunc(nil)).Empty())
}

func TestSplit(t *testing.T) {
	t.Parallel()
	f := NewFunc(nil)
	front, tail, ok := SplitCombined(Combine(f, None))
	require.True(t, ok)
	assert.Same(t, f, front)
	assert.Equal(t, None, tail)

	_, _, ok = SplitCombined(None)
	assert.False(t, ok)
}
