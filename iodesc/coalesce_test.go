package iodesc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoalesceMergesConsecutiveOffsetsOnFastestAxis(t *testing.T) {
	globalDims := []int{10}
	offsets := []int{0, 1, 2, 3}

	regions := Coalesce(globalDims, offsets)

	if assert.Len(t, regions, 1) {
		assert.Equal(t, []int{0}, regions[0].Start)
		assert.Equal(t, []int{4}, regions[0].Count)
	}
}

func TestCoalesceSplitsOnGap(t *testing.T) {
	globalDims := []int{10}
	offsets := []int{0, 1, 5, 6, 7}

	regions := Coalesce(globalDims, offsets)

	a := assert.New(t)
	if a.Len(regions, 2) {
		a.Equal([]int{0}, regions[0].Start)
		a.Equal([]int{2}, regions[0].Count)
		a.Equal([]int{5}, regions[1].Start)
		a.Equal([]int{3}, regions[1].Count)
	}
}

func TestCoalesce2DOnlyMergesAlongFastestAxis(t *testing.T) {
	// 3x4 row-major grid; row 0 is offsets 0-3, row 1 is offsets 4-7.
	globalDims := []int{3, 4}
	// Full row 0, plus the first two elements of row 1: these are
	// consecutive flat offsets (3,4) but belong to different slower-axis
	// coordinates, so they must not merge into one region.
	offsets := []int{0, 1, 2, 3, 4, 5}

	regions := Coalesce(globalDims, offsets)

	if assert.Len(t, regions, 2) {
		assert.Equal(t, []int{0, 0}, regions[0].Start)
		assert.Equal(t, []int{1, 4}, regions[0].Count)
		assert.Equal(t, []int{1, 0}, regions[1].Start)
		assert.Equal(t, []int{1, 2}, regions[1].Count)
	}
}

func TestCoalesceEmptyOffsetsReturnsNil(t *testing.T) {
	assert.Nil(t, Coalesce([]int{10}, nil))
}

func TestCoalesceSingleOffset(t *testing.T) {
	regions := Coalesce([]int{10}, []int{7})
	if assert.Len(t, regions, 1) {
		assert.Equal(t, []int{7}, regions[0].Start)
		assert.Equal(t, []int{1}, regions[0].Count)
	}
}
