package iosystem

import (
	"fmt"

	"github.com/parallelio/pario/errors"
	"github.com/parallelio/pario/internal/mpi"
)

// mpiRoot mirrors the MPI_ROOT sentinel: the value compmaster/iomaster take
// on the one process elected to act as an intercomm collective's root
// (spec.md §4.1). procNull (types.go) is used everywhere else.
const mpiRoot = -2

// discriminants distinguish the multiple communicators an IOSystem derives
// from the same parent comm, so each gets its own tag namespace (see
// mpi.DupAs/mpi.NewCommFrom).
const (
	discComputeDup  = 9001
	discUnionDup    = 9002
	discIODup       = 9003
	discCompBase    = 10000 // + component index, async mode
	discUnionBase   = 20000 // + component index, async mode
)

func contains(ranks []int, r int) bool {
	for _, x := range ranks {
		if x == r {
			return true
		}
	}
	return false
}

// InitIntracomm builds a non-async IOSystem: the I/O tasks are a subset of
// the supplied compute communicator's own ranks (spec.md §4.1 "Intracomm
// init"). compute must already be collectively held by every task that is
// to become a compute task.
func InitIntracomm(compute *mpi.Comm, n, stride, base int, defaultRearr Rearranger) (*IOSystem, error) {
	if err := validateRearranger(defaultRearr); err != nil {
		return nil, err
	}
	p := compute.Size()
	if n < 1 {
		return nil, fmt.Errorf("iosystem: n_iotasks must be >= 1, got %d", n)
	}
	if n*stride > p {
		return nil, fmt.Errorf("iosystem: n_iotasks*stride (%d) exceeds compute size (%d)", n*stride, p)
	}

	// Duplicate the compute communicator twice: one handle kept as
	// "compute", one as "union" (spec.md §4.1). In non-async mode the two
	// are the same group by definition (compute = union), so both dups
	// share compute's group, only their tag namespaces differ.
	computeComm := mpi.DupAs(compute, discComputeDup)
	unionComm := mpi.DupAs(compute, discUnionDup)

	ioCompRanks := make([]int, n)
	for i := 0; i < n; i++ {
		ioCompRanks[i] = (base + i*stride) % p
	}
	ioWorldRanks := make([]int, n)
	for i, r := range ioCompRanks {
		ioWorldRanks[i] = compute.Group().WorldRank(r)
	}
	ioGroup := mpi.NewGroup(ioWorldRanks)
	ioComm := mpi.NewCommFrom(compute, ioGroup, discIODup)

	iAmIO := contains(ioCompRanks, compute.Rank())

	sys := &IOSystem{
		Compute:           computeComm,
		Union:             unionComm,
		CompRanks:         sequence(p), // union coords == compute coords, non-async
		IORanks:           ioCompRanks, // union coords == compute coords, non-async
		CompRoot:          0,
		IORoot:            ioCompRanks[0],
		IAmIOTask:         iAmIO,
		Async:             false,
		DefaultRearranger: defaultRearr,
		RearrOpts:         DefaultRearrOpts(),
		ErrorHandler:      errors.NewHandler(errors.InternalAbort),
		CompMaster:        procNull,
		IOMaster:          procNull,
	}
	if !iAmIO {
		sys.IO = nil
	} else {
		sys.IO = ioComm
	}
	if computeComm.Rank() == 0 {
		sys.CompMaster = mpiRoot
	}
	if iAmIO && ioComm.Rank() == 0 {
		sys.IOMaster = mpiRoot
	}
	return sys, nil
}

func sequence(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}

func validateRearranger(r Rearranger) error {
	if r != Box && r != Subset {
		return fmt.Errorf("iosystem: default rearranger must be box or subset, got %v", r)
	}
	return nil
}

// InitAsyncExplicit builds one IOSystem per component (spec.md §4.1 "Async
// init (explicit proc lists)"). ioProcs and each entry of compProcs are
// world ranks. Every component's union places the I/O ranks first, so the
// I/O leader sits at union-rank 0 and the compute leader at union-rank
// len(ioProcs) (== num_io_procs), exactly as spec.md requires. All
// components share one I/O intracomm.
//
// A process not named in ioProcs or in compProcs[k] has no stake in
// component k's IOSystem and gets none back for it: the returned slice has
// one entry per component this process actually participates in (an I/O
// task participates in all of them; a compute task, in exactly one).
func InitAsyncExplicit(world *mpi.Comm, ioProcs []int, compProcs [][]int, defaultRearr Rearranger) ([]*IOSystem, error) {
	if err := validateRearranger(defaultRearr); err != nil {
		return nil, err
	}
	if len(ioProcs) < 1 {
		return nil, fmt.Errorf("iosystem: async init requires at least one I/O task")
	}
	myWorldRank := world.World().Rank()
	ioGroup := mpi.NewGroup(ioProcs)
	ioComm := mpi.NewCommFrom(world, ioGroup, discIODup)
	iAmIO := contains(ioProcs, myWorldRank)

	var out []*IOSystem
	for k, procs := range compProcs {
		iAmComp := contains(procs, myWorldRank)
		if !iAmIO && !iAmComp {
			continue
		}
		compGroup := mpi.NewGroup(procs)
		unionRanks := make([]int, 0, len(ioProcs)+len(procs))
		unionRanks = append(unionRanks, ioProcs...)
		unionRanks = append(unionRanks, procs...)
		unionGroup := mpi.NewGroup(unionRanks)

		compComm := mpi.NewCommFrom(world, compGroup, discCompBase+k)
		unionComm := mpi.NewCommFrom(world, unionGroup, discUnionBase+k)

		sys := &IOSystem{
			ID:                k,
			Compute:           compComm,
			Union:             unionComm,
			CompRanks:         sequence2(len(ioProcs), len(procs)),
			IORanks:           sequence(len(ioProcs)),
			CompRoot:          len(ioProcs),
			IORoot:            0,
			IAmIOTask:         iAmIO,
			Async:             true,
			DefaultRearranger: defaultRearr,
			RearrOpts:         DefaultRearrOpts(),
			ErrorHandler:      errors.NewHandler(errors.InternalAbort),
			CompMaster:        procNull,
			IOMaster:          procNull,
		}
		if iAmIO {
			sys.IO = ioComm
		}
		if iAmComp && compComm.Rank() == 0 {
			sys.CompMaster = mpiRoot
		}
		if iAmIO && ioComm.Rank() == 0 {
			sys.IOMaster = mpiRoot
		}
		out = append(out, sys)
	}
	return out, nil
}

// sequence2 returns [offset, offset+1, ..., offset+n-1], used to express a
// component's compute ranks in union coordinates once the union has been
// built as ioProcs++compProcs (I/O ranks occupy [0,offset)).
func sequence2(offset, n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = offset + i
	}
	return s
}

// InitAsyncFromComms is InitAsyncExplicit's "derive proc lists" variant
// (spec.md §4.1 "Async init (from existing comms)"): instead of the caller
// handing explicit world-rank lists, every process reports its own role —
// io task (myRole < 0) or component index (myRole in [0,numComponents)) —
// and the proc lists are reconstructed by an Allreduce(MAX) per role over a
// zero-initialized, one-based vector: at Allreduce's end, a role's vector
// holds worldRank+1 at every member's position and 0 elsewhere, so the
// membership list is recovered unambiguously (world rank 0 would otherwise
// be indistinguishable from "absent").
func InitAsyncFromComms(world *mpi.Comm, myRole, numComponents int, defaultRearr Rearranger) ([]*IOSystem, error) {
	p := world.Size()
	ioProcs, err := reduceRoleMembership(world, p, myRole < 0)
	if err != nil {
		return nil, err
	}
	compProcs := make([][]int, numComponents)
	for k := 0; k < numComponents; k++ {
		procs, err := reduceRoleMembership(world, p, myRole == k)
		if err != nil {
			return nil, err
		}
		compProcs[k] = procs
	}
	return InitAsyncExplicit(world, ioProcs, compProcs, defaultRearr)
}

func reduceRoleMembership(world *mpi.Comm, p int, mine bool) ([]int, error) {
	in := make([]int, p)
	if mine {
		in[world.World().Rank()] = world.World().Rank() + 1
	}
	out := make([]int, p)
	if err := world.Allreduce(in, out, mpi.Max); err != nil {
		return nil, err
	}
	var procs []int
	for i, v := range out {
		if v != 0 {
			procs = append(procs, i)
		}
	}
	return procs, nil
}

// IOSystemFree releases an IOSystem (spec.md §4.1/§3 lifecycle). The
// communicators it holds were all obtained via mpi.DupAs/NewCommFrom, which
// allocate no OS resources beyond the World's own connections (owned by the
// World, not by any one Comm), so there is nothing left to release here
// beyond letting sys become unreachable; the registry caller is responsible
// for removing sys's handle table entry.
func IOSystemFree(sys *IOSystem) error {
	return nil
}
