package iodesc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/parallelio/pario/internal/mpi"
)

// tagMapStats is the reserved Compute-communicator tag the normalizer's
// duplicate/fill collective uses. Safe to reuse across successive
// decomp_init calls on the same Compute comm: per spec.md §5, decomp_init is
// collective and the library runs single-threaded, so one call's traffic
// always drains before the next begins.
const tagMapStats = -50

// Normalize runs the map normalizer (spec.md §4.4) over userMap and returns
// a Decomposition with NeedsSort/Remap/Map, ReadOnly and NeedsFill set. It
// does not yet hold a rearranger plan — call Box or Subset next.
func Normalize(compute *mpi.Comm, elemType ElemType, globalDims []int, userMap []int) (*Decomposition, error) {
	maplen := len(userMap)
	prod := 1
	for _, d := range globalDims {
		prod *= d
	}
	for _, v := range userMap {
		if v < 0 || v > prod {
			return nil, fmt.Errorf("iodesc: map entry %d out of range [0,%d]", v, prod)
		}
	}

	needsSort := false
	for i := 1; i < maplen; i++ {
		if userMap[i] > 0 && userMap[i] < userMap[i-1] {
			needsSort = true
			break
		}
	}

	sorted := userMap
	var remap []int
	if needsSort {
		idx := make([]int, maplen)
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return userMap[idx[a]] < userMap[idx[b]] })
		sorted = make([]int, maplen)
		for newPos, oldPos := range idx {
			sorted[newPos] = userMap[oldPos]
		}
		remap = idx
	} else {
		sorted = append([]int(nil), userMap...)
	}

	var nonZero []int
	for _, v := range sorted {
		if v != 0 {
			nonZero = append(nonZero, v)
		}
	}
	readOnly, needsFill, err := mapStats(compute, nonZero, prod)
	if err != nil {
		return nil, fmt.Errorf("iodesc: normalize duplicate/fill check: %w", err)
	}

	return &Decomposition{
		ElemType:   elemType,
		NDims:      len(globalDims),
		GlobalDims: append([]int(nil), globalDims...),
		MapLen:     maplen,
		Map:        sorted,
		Remap:      remap,
		NeedsSort:  needsSort,
		ReadOnly:   readOnly,
		NeedsFill:  needsFill,
	}, nil
}

// mapStats is the collective half of the normalizer: every compute task
// contributes its non-zero map entries, the root tallies the multiset to
// detect any value occurring more than once (⇒ read-only) and compares the
// distinct-value count against the global element count (⇒ needs-fill),
// then broadcasts both booleans back.
func mapStats(comm *mpi.Comm, nonZero []int, totalElems int) (readOnly, needsFill bool, err error) {
	const root = 0
	if comm.Rank() == root {
		freq := make(map[int]int, len(nonZero))
		var mu sync.Mutex
		for _, v := range nonZero {
			freq[v]++
		}
		g, _ := errgroup.WithContext(context.Background())
		for i := 0; i < comm.Size(); i++ {
			if i == root {
				continue
			}
			i := i
			g.Go(func() error {
				var v []int
				if err := comm.Recv(&v, i, tagMapStats); err != nil {
					return err
				}
				mu.Lock()
				for _, x := range v {
					freq[x]++
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return false, false, err
		}
		var result [2]bool
		for _, c := range freq {
			if c > 1 {
				result[0] = true
				break
			}
		}
		result[1] = len(freq) < totalElems
		if err := comm.Bcast(result, root); err != nil {
			return false, false, err
		}
		return result[0], result[1], nil
	}
	if err := comm.Send(nonZero, root, tagMapStats); err != nil {
		return false, false, err
	}
	var result [2]bool
	if err := comm.Bcast(&result, root); err != nil {
		return false, false, err
	}
	return result[0], result[1], nil
}
