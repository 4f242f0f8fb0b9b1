package service

import (
	"fmt"
	"testing"

	"GoISG/internal/engine/nehash"
	"GoISG/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry() (*Registry, *nehash.Table) {
	tbl := nehash.New(0)
	return NewRegistry(tbl), tbl
}

func TestAddClass_CapacityExceeded(t *testing.T) {
	r, _ := newRegistry()
	for i := 0; i < MaxClasses; i++ {
		require.NoError(t, r.AddClass("internet", fmt.Sprintf("tc-%d", i), false))
	}
	d := r.Lookup("internet")
	require.NotNil(t, d)
	assert.False(t, d.Dynamic())

	err := r.AddClass("internet", "tc-overflow", false)
	assert.Equal(t, errors.KindCapacityExceeded, errors.GetKind(err))
	assert.Equal(t, MaxClasses, r.ClassCount(d))

	// Re-adding a present class is not a new reference.
	assert.NoError(t, r.AddClass("internet", "tc-3", false))
	assert.Equal(t, MaxClasses, r.ClassCount(d))
}

func TestCreate(t *testing.T) {
	r, tbl := newRegistry()
	d, err := r.Create("video", []string{"cdn", "cdn", "stream"}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, r.ClassCount(d))

	_, err = r.Create("video", nil, false)
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))

	_, err = r.Create("", nil, false)
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))

	many := make([]string, MaxClasses+1)
	for i := range many {
		many[i] = fmt.Sprintf("c%d", i)
	}
	_, err = r.Create("big", many, false)
	assert.Equal(t, errors.KindCapacityExceeded, errors.GetKind(err))
	assert.Nil(t, r.Lookup("big"))
	assert.Nil(t, tbl.FindClass("c0"))

	_, err = r.Create("bad", []string{"fine", ""}, false)
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))
	assert.Nil(t, tbl.FindClass("fine"))

	assert.True(t, r.Contains(d, tbl.FindClass("cdn")))
	cls, _ := tbl.EnsureClass("other")
	assert.False(t, r.Contains(d, cls))
	assert.False(t, r.Contains(nil, cls))
}

func TestSweepByClass_RemovesEmptiedDynamic(t *testing.T) {
	r, _ := newRegistry()
	dyn, err := r.Acquire("dyn")
	require.NoError(t, err)
	assert.True(t, dyn.Dynamic())
	require.NoError(t, r.AddClass("dyn", "a", false))

	_, err = r.Create("explicit", []string{"a"}, false)
	require.NoError(t, err)
	_, err = r.Create("mixed", []string{"a", "b"}, true)
	require.NoError(t, err)

	removed := r.SweepByClass("a")
	assert.Equal(t, 1, removed)
	assert.Nil(t, r.Lookup("dyn"))

	explicit := r.Lookup("explicit")
	require.NotNil(t, explicit)
	assert.Zero(t, r.ClassCount(explicit))

	mixed := r.Lookup("mixed")
	require.NotNil(t, mixed)
	assert.Equal(t, 1, r.ClassCount(mixed))
}

func TestAcquire_ReturnsExisting(t *testing.T) {
	r, _ := newRegistry()
	d1, err := r.Create("svc", []string{"a"}, false)
	require.NoError(t, err)
	d2, err := r.Acquire("svc")
	require.NoError(t, err)
	assert.Same(t, d1, d2)

	// Explicit descriptions outlive their last reference.
	assert.False(t, r.Release(d2))
	assert.Same(t, d1, r.Lookup("svc"))
}

func TestRelease_DropsOnlyUnusedEmptyDynamic(t *testing.T) {
	r, _ := newRegistry()
	first, err := r.Acquire("dyn")
	require.NoError(t, err)
	second, err := r.Acquire("dyn")
	require.NoError(t, err)
	require.Same(t, first, second)

	// Still referenced by the second holder.
	assert.False(t, r.Release(first))
	assert.NotNil(t, r.Lookup("dyn"))

	// Classes added meanwhile keep it alive.
	require.NoError(t, r.AddClass("dyn", "a", false))
	assert.False(t, r.Release(second))
	assert.NotNil(t, r.Lookup("dyn"))

	empty, err := r.Acquire("empty")
	require.NoError(t, err)
	assert.True(t, r.Release(empty))
	assert.Nil(t, r.Lookup("empty"))
	assert.False(t, r.Release(nil))
}

func TestRelease_IgnoresReplacedDescription(t *testing.T) {
	r, _ := newRegistry()
	stale, err := r.Acquire("dyn")
	require.NoError(t, err)
	r.SweepAll()
	assert.Nil(t, r.Lookup("dyn"))

	fresh, err := r.Acquire("dyn")
	require.NoError(t, err)
	assert.False(t, r.Release(stale))
	assert.Same(t, fresh, r.Lookup("dyn"))
}

func TestAddClass_RejectedLeavesClassesUntouched(t *testing.T) {
	r, tbl := newRegistry()
	for i := 0; i < MaxClasses; i++ {
		require.NoError(t, r.AddClass("full", fmt.Sprintf("c%d", i), false))
	}
	before := tbl.Classes()

	err := r.AddClass("full", "c16", false)
	assert.Equal(t, errors.KindCapacityExceeded, errors.GetKind(err))
	assert.Nil(t, tbl.FindClass("c16"))
	assert.Equal(t, before, tbl.Classes())

	err = r.AddClass("fresh", "0123456789012345678901234567890123", false)
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))
	assert.Nil(t, r.Lookup("fresh"))
	assert.Equal(t, before, tbl.Classes())
}

func TestAddClass_DynamicFlag(t *testing.T) {
	r, _ := newRegistry()
	require.NoError(t, r.AddClass("dyn", "a", true))
	require.NoError(t, r.AddClass("plain", "a", false))
	assert.True(t, r.Lookup("dyn").Dynamic())
	assert.False(t, r.Lookup("plain").Dynamic())

	// The flag only applies on creation.
	require.NoError(t, r.AddClass("plain", "b", true))
	assert.False(t, r.Lookup("plain").Dynamic())
}

func TestSweepClassesAndAll(t *testing.T) {
	r, _ := newRegistry()
	_, err := r.Create("explicit", []string{"a"}, false)
	require.NoError(t, err)
	_, err = r.Create("dyn", []string{"b"}, true)
	require.NoError(t, err)

	require.NoError(t, r.SweepClasses("dyn"))
	assert.Nil(t, r.Lookup("dyn"))
	assert.Equal(t, errors.KindNotFound, errors.GetKind(r.SweepClasses("dyn")))

	_, err = r.Create("dyn2", []string{"b"}, true)
	require.NoError(t, err)
	r.SweepAll()
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []Info{{Name: "explicit", Classes: []string{}}}, r.List())
}
