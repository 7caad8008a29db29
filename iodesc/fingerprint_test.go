package iodesc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/parallelio/pario/iosystem"
)

func TestComputeFingerprintDeterministic(t *testing.T) {
	d := &Decomposition{
		ElemType:   Float64,
		NDims:      1,
		GlobalDims: []int{16},
		Rearranger: iosystem.Box,
		NumIOTasks: 2,
		SendCounts: []int{4, 4},
		RecvCounts: []int{8},
	}

	fp1 := ComputeFingerprint(d)
	fp2 := ComputeFingerprint(d)
	assert.Equal(t, fp1, fp2)
}

func TestComputeFingerprintDiffersOnPlanMismatch(t *testing.T) {
	base := &Decomposition{
		ElemType:   Float64,
		NDims:      1,
		GlobalDims: []int{16},
		Rearranger: iosystem.Box,
		NumIOTasks: 2,
		SendCounts: []int{4, 4},
		RecvCounts: []int{8},
	}
	differentIOTasks := &Decomposition{
		ElemType:   Float64,
		NDims:      1,
		GlobalDims: []int{16},
		Rearranger: iosystem.Box,
		NumIOTasks: 3,
		SendCounts: []int{4, 4},
		RecvCounts: []int{8},
	}
	differentRearranger := &Decomposition{
		ElemType:   Float64,
		NDims:      1,
		GlobalDims: []int{16},
		Rearranger: iosystem.Subset,
		NumIOTasks: 2,
		SendCounts: []int{4, 4},
		RecvCounts: []int{8},
	}

	fp := ComputeFingerprint(base)
	assert.NotEqual(t, fp, ComputeFingerprint(differentIOTasks))
	assert.NotEqual(t, fp, ComputeFingerprint(differentRearranger))
}

func TestSetFingerprintStoresComputedValue(t *testing.T) {
	d := &Decomposition{ElemType: Int32, NDims: 1, GlobalDims: []int{8}, Rearranger: iosystem.Box, NumIOTasks: 1}
	SetFingerprint(d)
	assert.Equal(t, ComputeFingerprint(d), d.fingerprint)
}
