// Package iosystem builds and owns the compute/I/O/union communicator
// triple (spec.md §3 IOSystem, §4.1 process-group layer) and drives the
// async dispatch loop (spec.md §4.3) that lets compute tasks remote-control
// I/O tasks when the two groups are disjoint.
package iosystem

import (
	"github.com/parallelio/pario/errors"
	"github.com/parallelio/pario/internal/mpi"
)

// Rearranger selects which data-movement strategy a decomposition uses,
// mirroring spec.md's "box" vs "subset" choice (glossary).
type Rearranger int

const (
	// Box gives every I/O task a rectangular hyperslab of the global array.
	Box Rearranger = iota
	// Subset gives every I/O task whatever its assigned compute subset
	// collectively holds, coalesced into hyperslabs.
	Subset
)

func (r Rearranger) String() string {
	switch r {
	case Box:
		return "box"
	case Subset:
		return "subset"
	default:
		return "unknown"
	}
}

// CommType records the point-to-point vs. collective choice passed to
// set_rearr_opts (spec.md §6). SwapM does not consult it: the
// flow-controlled exchange always uses point-to-point operations.
type CommType int

const (
	P2P CommType = iota
	Coll
)

// FCOptions are the flow-control parameters for one exchange direction
// (spec.md §4.8).
type FCOptions struct {
	Handshake  bool
	ISend      bool
	MaxPending int // -1 = unlimited
}

// DefaultFCOptions matches the reference library's out-of-the-box behavior:
// handshake on, non-blocking sends, no cap on outstanding requests.
func DefaultFCOptions() FCOptions {
	return FCOptions{Handshake: true, ISend: true, MaxPending: -1}
}

// RearrOpts bundles the comm-type and per-direction flow-control choices a
// decomposition inherits from its IOSystem unless overridden (spec.md §6
// set_rearr_opts).
type RearrOpts struct {
	CommType CommType
	C2I      FCOptions // compute-to-I/O direction
	I2C      FCOptions // I/O-to-compute direction
}

// DefaultRearrOpts is what a freshly constructed IOSystem starts with.
func DefaultRearrOpts() RearrOpts {
	return RearrOpts{CommType: P2P, C2I: DefaultFCOptions(), I2C: DefaultFCOptions()}
}

// procNull mirrors MPI_PROC_NULL: "no such rank", used for compmaster/
// iomaster on tasks that are not the respective root (spec.md §4.1).
const procNull = -1

// IOSystem is a process group triplet plus metadata (spec.md §3). Its
// communicators are always a non-nil Compute and Union; IO is nil on a
// process that does not participate in I/O (a compute-only task, in either
// async or non-async mode).
type IOSystem struct {
	ID int

	Compute *mpi.Comm
	IO      *mpi.Comm // nil unless this process is an I/O task
	Union   *mpi.Comm

	// CompRanks and IORanks are the compute/I/O group members' ranks
	// expressed in Union coordinates.
	CompRanks []int
	IORanks   []int

	// CompRoot and IORoot are rank 0 of Compute/IO, expressed in Union
	// coordinates.
	CompRoot int
	IORoot   int

	IAmIOTask bool
	Async     bool

	// CompMaster is procNull on every compute task except compute-rank 0,
	// which holds the sentinel "MPI_ROOT" role (spec.md §4.1); likewise
	// IOMaster for I/O-rank 0.
	CompMaster int
	IOMaster   int

	DefaultRearranger Rearranger
	RearrOpts         RearrOpts
	ErrorHandler      errors.Handler
}

// IAmCompMaster reports whether this process holds the compute-master role
// (spec.md §4.1), the one compute rank that actually talks to the I/O root
// in the async dispatch protocol.
func (s *IOSystem) IAmCompMaster() bool { return s.CompMaster == mpiRoot }

// IAmIOMaster reports whether this process holds the I/O-master role.
func (s *IOSystem) IAmIOMaster() bool { return s.IOMaster == mpiRoot }

// NumIOTasks reports how many I/O tasks this IOSystem was built with.
func (s *IOSystem) NumIOTasks() int { return len(s.IORanks) }

// NumCompTasks reports how many compute tasks this IOSystem was built with.
func (s *IOSystem) NumCompTasks() int { return len(s.CompRanks) }
