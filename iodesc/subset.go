package iodesc

import (
	"fmt"
	"sort"

	pioerrors "github.com/parallelio/pario/errors"
	"github.com/parallelio/pario/internal/mpi"
	"github.com/parallelio/pario/iosystem"
)

// tagSubsetGather is the reserved Union-communicator tag the subset
// rearranger's one-time plan exchange uses (spec.md §4.6). Distinct from
// Box's tagBoxOffsets and from iosystem's own msgTag/argTag range.
const tagSubsetGather = -71

// subsetEntry is one non-hole map entry as it travels from a compute task to
// its assigned I/O task during the plan exchange.
type subsetEntry struct {
	Offset int // 0-based global offset
	Pos    int // sending compute task's local buffer position
}

// Subset computes the subset rearranger's plan (spec.md §4.6): compute task
// c is assigned to I/O task c mod num_io_tasks, every I/O task gathers and
// sorts its assigned compute tasks' map entries, and the resulting offset
// sequence is coalesced into hyperslabs the same way Box's contiguous range
// is. Unlike Box, an I/O task's share of the global array has no shape fixed
// in advance — it is whatever its assigned compute subset collectively
// holds, which is why the gather-then-sort happens here instead of a pure
// local computation.
func Subset(d *Decomposition, sys *iosystem.IOSystem) error {
	numIOTasks := sys.NumIOTasks()
	if numIOTasks < 1 {
		return fmt.Errorf("iodesc: subset rearranger requires at least one I/O task")
	}
	numComp := sys.NumCompTasks()
	d.Rearranger = iosystem.Subset
	d.NumIOTasks = numIOTasks

	// SubsetComm: an I/O task always ends up owning its own group (color is
	// its own I/O index), giving it a fixed communicator for the repeated
	// flow-controlled exchange swapm.go runs later. A pure compute task
	// joins its assigned I/O task's group. An I/O task that is also a
	// compute task assigned to a *different* group — possible in non-async
	// mode, since I/O tasks are an arbitrary subset of compute ranks — does
	// not additionally join that other group's SubsetComm; its contribution
	// is delivered below via a plain addressed send, the same one-time
	// mechanism Box's plan exchange uses, so no second membership is needed.
	color := -1
	if sys.IAmIOTask {
		color = sys.IO.Rank()
	} else if sys.Compute.Rank() >= 0 {
		color = sys.Compute.Rank() % numIOTasks
	}
	subsetComm, err := sys.Union.Split(color, 0)
	if err != nil {
		return fmt.Errorf("iodesc: building subset communicator: %w: %w", err, pioerrors.ErrCommFailed)
	}
	d.SubsetComm = subsetComm

	// Compute-side bucketing: every non-hole entry belongs to exactly one
	// destination, the I/O task owning this compute rank's group.
	var localEntries []subsetEntry
	if sys.Compute.Rank() >= 0 {
		myGroup := sys.Compute.Rank() % numIOTasks
		for pos, v := range d.Map {
			if v == 0 {
				continue
			}
			userPos := pos
			if d.Remap != nil {
				userPos = d.Remap[pos]
			}
			localEntries = append(localEntries, subsetEntry{Offset: v - 1, Pos: userPos})
		}
		d.SendCounts = []int{len(localEntries)}
		d.SendRanks = []int{sys.IORanks[myGroup]}
		d.SIndex = nil
		for _, e := range localEntries {
			d.SIndex = append(d.SIndex, e.Pos)
		}

		destUnionRank := sys.IORanks[myGroup]
		if destUnionRank != sys.Union.Rank() {
			if err := sys.Union.Send(localEntries, destUnionRank, tagSubsetGather); err != nil {
				return fmt.Errorf("iodesc: sending subset plan entries to I/O task %d: %w: %w", myGroup, err, pioerrors.ErrCommFailed)
			}
		}
	}

	if sys.IAmIOTask {
		myIdx := indexOf(sys.IORanks, sys.Union.Rank())
		if myIdx < 0 {
			return fmt.Errorf("iodesc: I/O task not found in its own rank list")
		}

		var all []subsetEntry
		var recvRanks []int
		var recvCounts []int
		for c := 0; c < numComp; c++ {
			if c%numIOTasks != myIdx {
				continue
			}
			srcUnionRank := sys.CompRanks[c]
			var batch []subsetEntry
			if srcUnionRank == sys.Union.Rank() {
				batch = localEntries
			} else {
				if err := sys.Union.Recv(&batch, srcUnionRank, tagSubsetGather); err != nil {
					return fmt.Errorf("iodesc: receiving subset plan entries from compute rank %d: %w: %w", c, err, pioerrors.ErrCommFailed)
				}
			}
			recvRanks = append(recvRanks, srcUnionRank)
			recvCounts = append(recvCounts, len(batch))
			all = append(all, batch...)
		}

		sortedIdx := make([]int, len(all))
		for i := range sortedIdx {
			sortedIdx[i] = i
		}
		sort.SliceStable(sortedIdx, func(a, b int) bool { return all[sortedIdx[a]].Offset < all[sortedIdx[b]].Offset })
		finalPos := make([]int, len(all))
		sortedOffsets := make([]int, len(all))
		for newPos, oldIdx := range sortedIdx {
			finalPos[oldIdx] = newPos
			sortedOffsets[newPos] = all[oldIdx].Offset
		}

		// all was built in sender order already (one appended batch per
		// sender, in the order senders were visited above), so finalPos in
		// that same order is exactly RIndex: each received entry's position
		// once the I/O buffer is reordered by ascending global offset.
		d.RecvCounts = recvCounts
		d.RecvRanks = recvRanks
		d.RIndex = append([]int(nil), finalPos...)
		d.LLen = len(all)
		d.Regions = Coalesce(d.GlobalDims, sortedOffsets)

		// Hole regions: gaps strictly between this task's own covered
		// offsets. Unlike Box, a subset task has no fixed assigned extent to
		// compare against, so a leading/trailing gap before its first or
		// after its last covered offset is not detectable as "this task's"
		// hole — only internal gaps within its own sorted run are.
		if d.NeedsFill && len(sortedOffsets) > 1 {
			var holeOffsets []int
			for i := 1; i < len(sortedOffsets); i++ {
				for o := sortedOffsets[i-1] + 1; o < sortedOffsets[i]; o++ {
					holeOffsets = append(holeOffsets, o)
				}
			}
			if len(holeOffsets) > 0 {
				d.HoleRegions = Coalesce(d.GlobalDims, holeOffsets)
			}
		}

		localBytes := []int{d.LLen * d.ElemType.ByteSize()}
		maxBytes := make([]int, 1)
		if err := sys.IO.Allreduce(localBytes, maxBytes, mpi.Max); err != nil {
			return fmt.Errorf("iodesc: reducing subset max I/O buffer size: %w: %w", err, pioerrors.ErrCommFailed)
		}
		d.MaxIOBufferSize = maxBytes[0]

		localRegions := []int{len(d.Regions)}
		maxRegions := make([]int, 1)
		if err := sys.IO.Allreduce(localRegions, maxRegions, mpi.Max); err != nil {
			return fmt.Errorf("iodesc: reducing subset maxregions: %w: %w", err, pioerrors.ErrCommFailed)
		}
		d.MaxRegionsAllIO = maxRegions[0]
	}

	SetFingerprint(d)
	return VerifyFingerprint(sys, d)
}
