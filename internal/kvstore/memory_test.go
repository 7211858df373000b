package kvstore

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(s Store) *[]Change {
	var got []Change
	s.Subscribe(func(c Change) {
		got = append(got, c)
	})
	return &got
}

func TestMemory_WritesVisibleAcrossContexts(t *testing.T) {
	medium := NewMemory(zerolog.Nop())
	a := medium.Context()
	b := medium.Context()

	a.Set("theme", "dark")

	v, ok := b.Get("theme")
	require.True(t, ok)
	assert.Equal(t, "dark", v)
}

func TestMemory_NotifiesOtherContextsOnly(t *testing.T) {
	medium := NewMemory(zerolog.Nop())
	a := medium.Context()
	b := medium.Context()

	fromA := collect(a)
	fromB := collect(b)

	a.Set("theme", "dark")

	assert.Empty(t, *fromA, "writer must not observe its own write")
	require.Len(t, *fromB, 1)
	assert.Equal(t, Change{Key: "theme", NewValue: "dark"}, (*fromB)[0])
}

func TestMemory_UnchangedWriteIsSilent(t *testing.T) {
	medium := NewMemory(zerolog.Nop())
	a := medium.Context()
	b := medium.Context()
	a.Set("k", "v")

	got := collect(b)
	a.Set("k", "v")
	a.Remove("missing")

	assert.Empty(t, *got)
}

func TestMemory_ApplyCommitsBatchTogether(t *testing.T) {
	medium := NewMemory(zerolog.Nop())
	a := medium.Context()
	b := medium.Context()

	// Every notification must already see the whole batch
	var seen []string
	b.Subscribe(func(c Change) {
		x, _ := b.Get("x")
		y, _ := b.Get("y")
		seen = append(seen, x+y)
	})

	a.Apply(NewBatch().Set("x", "1").Set("y", "2"))

	assert.Equal(t, []string{"12", "12"}, seen)
}

func TestMemory_ClearEmitsSingleClearedChange(t *testing.T) {
	medium := NewMemory(zerolog.Nop())
	a := medium.Context()
	b := medium.Context()
	a.Apply(NewBatch().Set("x", "1").Set("y", "2"))

	got := collect(b)
	a.Clear()

	require.Len(t, *got, 1)
	assert.True(t, (*got)[0].Cleared)
	_, ok := b.Get("x")
	assert.False(t, ok)
}

func TestMemory_UnavailableDegradesToAbsent(t *testing.T) {
	medium := NewMemory(zerolog.Nop())
	a := medium.Context()
	a.Set("k", "v")

	medium.SetUnavailable(true)
	_, ok := a.Get("k")
	assert.False(t, ok)
	assert.NotPanics(t, func() { a.Set("k", "w") })

	medium.SetUnavailable(false)
	v, ok := a.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v, "write while unavailable must be dropped")
}

func TestMemory_CancelAndClose(t *testing.T) {
	medium := NewMemory(zerolog.Nop())
	a := medium.Context()
	b := medium.Context()
	c := medium.Context()

	var bCount, cCount int
	cancel := b.Subscribe(func(Change) { bCount++ })
	c.Subscribe(func(Change) { cCount++ })

	a.Set("k", "1")
	cancel()
	cancel()
	c.Close()
	a.Set("k", "2")

	assert.Equal(t, 1, bCount)
	assert.Equal(t, 1, cCount)
}
