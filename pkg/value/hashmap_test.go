package value

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashmapSetGet(t *testing.T) {
	h := NewHeap()
	var m Hashmap
	key := h.Intern("answer")

	_, ok := m.Get(key)
	assert.False(t, ok)

	assert.True(t, m.Set(h, key, NumberVal(42)), "first insert is a new key")
	got, ok := m.Get(key)
	require.True(t, ok)
	assert.Equal(t, float64(42), got.Number)

	assert.False(t, m.Set(h, key, NumberVal(43)), "overwrite is not a new key")
	got, _ = m.Get(key)
	assert.Equal(t, float64(43), got.Number)
}

func TestHashmapDeleteAndTombstones(t *testing.T) {
	h := NewHeap()
	var m Hashmap
	a := h.Intern("a")
	b := h.Intern("b")

	m.Set(h, a, NumberVal(1))
	m.Set(h, b, NumberVal(2))
	assert.True(t, m.Delete(a))
	assert.False(t, m.Delete(a), "double delete reports absence")

	_, ok := m.Get(a)
	assert.False(t, ok)
	// The probe chain through the tombstone still reaches b.
	got, ok := m.Get(b)
	require.True(t, ok)
	assert.Equal(t, float64(2), got.Number)

	// Reinserting reuses the dead slot.
	m.Set(h, a, NumberVal(3))
	got, ok = m.Get(a)
	require.True(t, ok)
	assert.Equal(t, float64(3), got.Number)
}

func TestHashmapGrowthKeepsEntries(t *testing.T) {
	h := NewHeap()
	var m Hashmap
	keys := make([]*ObjectString, 100)
	for i := range keys {
		keys[i] = h.Intern(fmt.Sprintf("key-%d", i))
		m.Set(h, keys[i], NumberVal(float64(i)))
	}
	for i, key := range keys {
		got, ok := m.Get(key)
		require.True(t, ok, "key-%d", i)
		assert.Equal(t, float64(i), got.Number)
	}
	assert.Equal(t, 100, m.Len())
}

func TestHashmapCopyAll(t *testing.T) {
	h := NewHeap()
	var from, to Hashmap
	for i := 0; i < 10; i++ {
		from.Set(h, h.Intern(fmt.Sprintf("k%d", i)), NumberVal(float64(i)))
	}
	from.Delete(h.Intern("k3"))
	from.CopyAll(h, &to)

	assert.Equal(t, 9, to.Len())
	_, ok := to.Get(h.Intern("k3"))
	assert.False(t, ok)
	got, ok := to.Get(h.Intern("k7"))
	require.True(t, ok)
	assert.Equal(t, float64(7), got.Number)
}

func TestHashmapFindString(t *testing.T) {
	h := NewHeap()
	interned := h.Intern("needle")

	found := h.Strings.FindString("needle", HashString("needle"))
	assert.Same(t, interned, found)

	assert.Nil(t, h.Strings.FindString("missing", HashString("missing")))
}

func TestInternReturnsSameObject(t *testing.T) {
	h := NewHeap()
	a := h.Intern("canidae")
	b := h.Intern("canidae")
	assert.Same(t, a, b)
	assert.Equal(t, HashString("canidae"), a.Hash)
}
