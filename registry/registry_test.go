package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableAddAssignsSequentialIDsFromBase(t *testing.T) {
	tbl := NewTable[string](DecompositionIDBase, FileIDBase)

	id1, err := tbl.Add("first")
	require.NoError(t, err)
	id2, err := tbl.Add("second")
	require.NoError(t, err)

	assert.Equal(t, DecompositionIDBase, id1)
	assert.Equal(t, DecompositionIDBase+1, id2)
	assert.Equal(t, 2, tbl.Len())
}

func TestTableAddFailsOnceLimitReached(t *testing.T) {
	tbl := NewTable[int](0, 2)

	_, err := tbl.Add(1)
	require.NoError(t, err)
	_, err = tbl.Add(2)
	require.NoError(t, err)

	_, err = tbl.Add(3)
	require.Error(t, err, "a table must reject Add once its id range is exhausted")
}

func TestTableGetUnknownIDReturnsErrNotFound(t *testing.T) {
	tbl := NewTable[int](IOSystemIDBase, DecompositionIDBase)

	_, err := tbl.Get(999)
	require.Error(t, err)

	var notFound ErrNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, 999, notFound.ID)
}

func TestTableRemoveThenGetFails(t *testing.T) {
	tbl := NewTable[int](FileIDBase, FileIDBase+1<<20)
	id, err := tbl.Add(42)
	require.NoError(t, err)

	got, err := tbl.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	tbl.Remove(id)
	_, err = tbl.Get(id)
	assert.Error(t, err)
	assert.Equal(t, 0, tbl.Len())
}

func TestTableRemoveUnknownIDIsNoop(t *testing.T) {
	tbl := NewTable[int](FileIDBase, FileIDBase+1<<20)
	tbl.Remove(123) // must not panic
	assert.Equal(t, 0, tbl.Len())
}

func TestTableIdsReflectsLiveEntries(t *testing.T) {
	tbl := NewTable[int](IOSystemIDBase, DecompositionIDBase)
	a, err := tbl.Add(1)
	require.NoError(t, err)
	b, err := tbl.Add(2)
	require.NoError(t, err)
	tbl.Remove(a)

	ids := tbl.Ids()
	assert.ElementsMatch(t, []int{b}, ids)
}

func TestDisjointIDBasesDoNotOverlap(t *testing.T) {
	assert.Less(t, IOSystemIDBase, DecompositionIDBase)
	assert.Less(t, DecompositionIDBase, FileIDBase)
}
