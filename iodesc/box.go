package iodesc

import (
	"fmt"

	pioerrors "github.com/parallelio/pario/errors"
	"github.com/parallelio/pario/internal/mpi"
	"github.com/parallelio/pario/iosystem"
)

// tagBoxOffsets is the reserved Union-communicator tag the box rearranger's
// one-time plan exchange uses (spec.md §4.5). Distinct from iosystem's own
// msgTag/argTag range and from swapm's (see swapm.go). A destination's
// message length itself conveys rcount, so no separate count exchange is
// needed before it.
const tagBoxOffsets = -61

// splitBlocks divides an axis of length n into numTasks contiguous blocks,
// block-cyclic with granularity blocksize (spec.md §4.5): n is covered by
// ceil(n/blocksize) blocksize-sized blocks (the last one possibly partial),
// which are then handed out to tasks as evenly as possible, in order.
// Because ranges are built back-to-back and non-overlapping, the "lower
// task owns a boundary element" tie-break (spec.md §4.5) holds structurally
// — no element's ownership is ever ambiguous.
func splitBlocks(n, numTasks, blocksize int) (start, count []int) {
	if blocksize < 1 {
		blocksize = 1
	}
	totalBlocks := (n + blocksize - 1) / blocksize
	base := totalBlocks / numTasks
	extra := totalBlocks % numTasks

	start = make([]int, numTasks)
	count = make([]int, numTasks)
	elemPos := 0
	for i := 0; i < numTasks; i++ {
		blocks := base
		if i < extra {
			blocks++
		}
		start[i] = elemPos
		c := blocks * blocksize
		if elemPos+c > n {
			c = n - elemPos
		}
		if c < 0 {
			c = 0
		}
		count[i] = c
		elemPos += blocks * blocksize
	}
	return start, count
}

func ownerOfOffset(offset int, start, count []int) int {
	for i := range start {
		if count[i] == 0 {
			continue
		}
		if offset >= start[i] && offset < start[i]+count[i] {
			return i
		}
	}
	return -1
}

func prodInts(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}

// Box computes the box rearranger's plan (spec.md §4.5): a contiguous
// rectangular I/O-side region per I/O task (outer axis split, block-cyclic
// at blocksize granularity, or the caller's explicit iostart/iocount), plus
// the scatter/gather counts and index lists every subsequent write/read
// through d reuses. sys must be the IOSystem d's decomp_init call was
// issued against. iostart/iocount, if non-nil, must each have len ==
// sys.NumIOTasks() and describe one full-extent-except-outer-axis
// hyperslab per I/O task (spec.md §9 open question (b): num_aiotasks then
// always equals num_iotasks, never recomputed from non-empty counts).
func Box(d *Decomposition, sys *iosystem.IOSystem, blocksize int, iostart, iocount [][]int) error {
	numIOTasks := sys.NumIOTasks()
	if numIOTasks < 1 {
		return fmt.Errorf("iodesc: box rearranger requires at least one I/O task")
	}
	outer := d.GlobalDims[0]
	rowSize := prodInts(d.GlobalDims[1:])

	var startRow, countRow []int
	explicit := iostart != nil && iocount != nil
	if explicit {
		if len(iostart) != numIOTasks || len(iocount) != numIOTasks {
			return fmt.Errorf("iodesc: iostart/iocount must have one entry per I/O task")
		}
		startRow = make([]int, numIOTasks)
		countRow = make([]int, numIOTasks)
		for i := range iostart {
			startRow[i] = iostart[i][0]
			countRow[i] = iocount[i][0]
		}
	} else {
		startRow, countRow = splitBlocks(outer, numIOTasks, blocksize)
	}

	flatStart := make([]int, numIOTasks)
	flatCount := make([]int, numIOTasks)
	numAio := 0
	for i := 0; i < numIOTasks; i++ {
		flatStart[i] = startRow[i] * rowSize
		flatCount[i] = countRow[i] * rowSize
		if explicit || flatCount[i] > 0 {
			numAio++
		}
	}
	if explicit {
		numAio = numIOTasks // open question (b): unconditional
	}

	d.Rearranger = iosystem.Box
	d.NumIOTasks = numAio
	maxCount := 0
	for _, c := range flatCount {
		if c > maxCount {
			maxCount = c
		}
	}
	d.MaxIOBufferSize = maxCount * d.ElemType.ByteSize()

	// Compute-side: walk the (sorted) map; every non-zero entry is bucketed
	// by the I/O task owning its target global offset. No communication
	// needed — the box split is a pure function of global_dims.
	sendCounts := make([]int, numIOTasks)
	sendOffsets := make([][]int, numIOTasks) // per destination: global offsets (0-based)
	sendPositions := make([][]int, numIOTasks) // per destination: local buffer positions
	for pos, v := range d.Map {
		if v == 0 {
			continue
		}
		offset := v - 1
		owner := ownerOfOffset(offset, flatStart, flatCount)
		if owner < 0 {
			return fmt.Errorf("iodesc: map entry %d has no owning I/O task", v)
		}
		userPos := pos
		if d.Remap != nil {
			userPos = d.Remap[pos]
		}
		sendCounts[owner]++
		sendOffsets[owner] = append(sendOffsets[owner], offset)
		sendPositions[owner] = append(sendPositions[owner], userPos)
	}
	d.SendCounts = sendCounts
	d.SendRanks = append([]int(nil), sys.IORanks...)
	d.SIndex = nil
	for i := 0; i < numIOTasks; i++ {
		d.SIndex = append(d.SIndex, sendPositions[i]...)
	}

	// One-time plan exchange (spec.md §4.5 "each I/O task symmetrically
	// derives rcount[source]"): every compute task sends its per-destination
	// offset list to that I/O task; the I/O task turns offsets into
	// io-buffer positions (RIndex) by subtracting its own flatStart, since
	// the box region is a single contiguous range.
	numComp := sys.NumCompTasks()
	if sys.Compute.Rank() >= 0 {
		for k := 0; k < numIOTasks; k++ {
			destUnionRank := sys.IORanks[k]
			if err := sys.Union.Send(sendOffsets[k], destUnionRank, tagBoxOffsets); err != nil {
				return fmt.Errorf("iodesc: sending box plan offsets to I/O task %d: %w: %w", k, err, pioerrors.ErrCommFailed)
			}
		}
	}

	if sys.IAmIOTask {
		myIdx := indexOf(sys.IORanks, sys.Union.Rank())
		if myIdx < 0 {
			return fmt.Errorf("iodesc: I/O task not found in its own rank list")
		}
		d.RecvCounts = make([]int, numComp)
		d.RecvRanks = append([]int(nil), sys.CompRanks...)
		d.RIndex = nil
		d.LLen = flatCount[myIdx]
		for c := 0; c < numComp; c++ {
			srcUnionRank := sys.CompRanks[c]
			var offs []int
			if err := sys.Union.Recv(&offs, srcUnionRank, tagBoxOffsets); err != nil {
				return fmt.Errorf("iodesc: receiving box plan offsets from compute task %d: %w: %w", c, err, pioerrors.ErrCommFailed)
			}
			d.RecvCounts[c] = len(offs)
			for _, off := range offs {
				d.RIndex = append(d.RIndex, off-flatStart[myIdx])
			}
		}
		d.Regions = []Region{{
			Start:   coordOf(startRow[myIdx], d.GlobalDims),
			Count:   countWithFullExtent(countRow[myIdx], d.GlobalDims),
			LOffset: 0,
		}}

		localRegions := []int{len(d.Regions)}
		maxRegions := make([]int, 1)
		if err := sys.IO.Allreduce(localRegions, maxRegions, mpi.Max); err != nil {
			return fmt.Errorf("iodesc: reducing box maxregions: %w: %w", err, pioerrors.ErrCommFailed)
		}
		d.MaxRegionsAllIO = maxRegions[0]
	}

	SetFingerprint(d)
	return VerifyFingerprint(sys, d)
}

func indexOf(ranks []int, r int) int {
	for i, x := range ranks {
		if x == r {
			return i
		}
	}
	return -1
}

func coordOf(outerStart int, dims []int) []int {
	c := make([]int, len(dims))
	c[0] = outerStart
	return c
}

func countWithFullExtent(outerCount int, dims []int) []int {
	c := make([]int, len(dims))
	c[0] = outerCount
	for i := 1; i < len(dims); i++ {
		c[i] = dims[i]
	}
	return c
}
