// Package iodesc implements the decomposition descriptor and its two
// rearrangers (spec.md §3 Decomposition, §4.4-§4.8): the map normalizer,
// the box and subset rearrangers, the region coalescer, and the
// flow-controlled exchange ("swapm") that moves elements between the
// compute and I/O sides.
package iodesc

import (
	"github.com/parallelio/pario/internal/mpi"
	"github.com/parallelio/pario/iosystem"
)

// ElemType tags a decomposition's element type, standing in for the
// (element_type, byte_size, mpi_type) triple spec.md §9 describes as a
// tagged enum plus type-specific helpers rather than one code path per
// numeric type.
type ElemType int

const (
	Int32 ElemType = iota
	Int64
	Float32
	Float64
	Byte
)

// ByteSize returns the element's on-the-wire width.
func (t ElemType) ByteSize() int {
	switch t {
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	case Byte:
		return 1
	default:
		return 0
	}
}

// Region is one contiguous hyperslab in a variable's coordinate space
// (spec.md §3). LOffset is this region's starting position, in elements, in
// the task's I/O buffer (spec.md §9 open question (a)); the file package's
// region writes and reads slice the I/O buffer at it. The scatter/gather
// exchange itself uses only SIndex/RIndex on the owning Decomposition.
type Region struct {
	Start   []int
	Count   []int
	LOffset int
}

// Decomposition captures how a logical global N-D array is partitioned
// across compute tasks, and the rearranger plan that moves its elements to
// and from the I/O tasks (spec.md §3).
type Decomposition struct {
	ID int

	ElemType ElemType
	NDims    int
	GlobalDims []int

	MapLen int
	Map    []int // one-based global offsets, 0 = hole; sorted if NeedsSort was set
	Remap  []int // permutation applied to sort Map; nil if NeedsSort is false

	NeedsSort bool
	ReadOnly  bool
	NeedsFill bool

	Rearranger      iosystem.Rearranger
	NumIOTasks      int // number of I/O tasks actually participating (num_aiotasks for box)
	Regions         []Region
	LLen            int // this task's I/O-buffer length in elements
	HoleRegions     []Region // subset rearranger: regions needing fill at write time
	MaxIOBufferSize int      // max_i(prod(count_i) * elem_size), spec.md §4.5
	MaxRegionsAllIO int      // maxregions, reduced across I/O tasks, spec.md §4.7

	// Swap plan (spec.md §4.5/§4.6): scatter/gather counts and index lists.
	// SendCounts/SendRanks describe this compute task's outgoing traffic;
	// RecvCounts/RecvRanks describe this I/O task's incoming traffic (empty
	// on a pure compute task). SIndex maps each outgoing element to its
	// position in the user's local buffer; RIndex maps each incoming
	// element to its position in the I/O-side buffer.
	SendCounts []int
	SendRanks  []int
	SIndex     []int
	RecvCounts []int
	RecvRanks  []int
	RIndex     []int

	// SubsetComm groups this I/O task with its assigned compute tasks
	// (subset rearranger only); nil for box.
	SubsetComm *mpi.Comm

	RearrOpts iosystem.RearrOpts

	// fingerprint is the rearranger-plan fingerprint both sides compare to
	// detect a protocol mismatch (see fingerprint.go); computed once the
	// plan is built.
	fingerprint uint32
}

// Fingerprint returns the decomposition's rearranger-plan fingerprint.
func (d *Decomposition) Fingerprint() uint32 { return d.fingerprint }
