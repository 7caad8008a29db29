// Package pario is PARIO's public, process-local surface (spec.md §6): the
// opaque-integer-handle API a host program drives — iosystem/decomposition/
// file lifecycle, the inquiry family, and write_darray/read_darray — built
// on iosystem's process-group layer, iodesc's rearrangers, and file's
// backend-facing primitives. It also owns the three handle registries
// spec.md §4.2 describes and, for async mode, registers every dispatchable
// primitive against an iosystem.Dispatcher so an I/O task's event loop can
// run them on a compute task's behalf.
package pario

import (
	"fmt"
	"sync"
	"time"

	"github.com/parallelio/pario/backend"
	pioerrors "github.com/parallelio/pario/errors"
	"github.com/parallelio/pario/file"
	"github.com/parallelio/pario/iodesc"
	"github.com/parallelio/pario/internal/mpi"
	"github.com/parallelio/pario/iosystem"
	"github.com/parallelio/pario/registry"
)

var (
	ioSystems = registry.NewTable[*iosystem.IOSystem](registry.IOSystemIDBase, registry.DecompositionIDBase)
	decomps   = registry.NewTable[*iodesc.Decomposition](registry.DecompositionIDBase, registry.FileIDBase)
	files     = registry.NewTable[*file.File](registry.FileIDBase, registry.FileIDBase+1<<20)

	// owningSys remembers which IOSystem a decomposition/file handle was
	// created against, so an operation that only takes the handle (spec.md
	// §6's DefineDim, WriteDarray, ...) can still find the right IOSystem to
	// dispatch through when that IOSystem turns out to be async.
	ownerMu   sync.Mutex
	decompSys = map[int]*iosystem.IOSystem{}
	fileSys   = map[int]*iosystem.IOSystem{}
)

func rememberDecompOwner(decompID int, sys *iosystem.IOSystem) {
	ownerMu.Lock()
	decompSys[decompID] = sys
	ownerMu.Unlock()
}

func rememberFileOwner(fileID int, sys *iosystem.IOSystem) {
	ownerMu.Lock()
	fileSys[fileID] = sys
	ownerMu.Unlock()
}

func forgetDecompOwner(decompID int) {
	ownerMu.Lock()
	delete(decompSys, decompID)
	ownerMu.Unlock()
}

func forgetFileOwner(fileID int) {
	ownerMu.Lock()
	delete(fileSys, fileID)
	ownerMu.Unlock()
}

func ownerOfFile(fileID int) *iosystem.IOSystem {
	ownerMu.Lock()
	defer ownerMu.Unlock()
	return fileSys[fileID]
}

func ownerOfDecomp(decompID int) *iosystem.IOSystem {
	ownerMu.Lock()
	defer ownerMu.Unlock()
	return decompSys[decompID]
}

// errScope picks which communicator's members must agree on an operation's
// outcome under the Broadcast error policy (spec.md §7): whichever group
// actually ran the operation collectively.
type errScope int

const (
	scopeIO errScope = iota
	scopeCompute
	scopeUnion
)

// applyErrorPolicy runs sys's configured error handler over err (spec.md §6
// set_error_handler, §7): under InternalAbort it logs label and terminates
// the process group; under Broadcast every member of the chosen scope
// agrees on root's outcome; under Return err passes through unchanged. A nil
// sys (impossible through the public entry points, but defensive) or a
// scopeIO call on a process that is not an I/O task skips the collective
// entirely and returns err as-is.
func applyErrorPolicy(sys *iosystem.IOSystem, scope errScope, label string, err error) error {
	if sys == nil {
		return err
	}
	var comm pioerrors.Broadcaster
	root := 0
	switch scope {
	case scopeIO:
		if sys.IO != nil {
			comm = sys.IO
		}
	case scopeCompute:
		comm = sys.Compute
	case scopeUnion:
		comm, root = sys.Union, sys.IORoot
	}
	return sys.ErrorHandler.Handle(label, comm, root, err)
}

// Join bootstraps the transport mesh every IOSystem is ultimately built over
// (spec.md §4.1's precondition that a process-group layer already exists).
func Join(netProto, addr string, addrs []string, password string, timeout time.Duration) (*mpi.World, error) {
	return mpi.Join(netProto, addr, addrs, password, timeout)
}

// IOSystemInitIntracomm wraps iosystem.InitIntracomm (spec.md §6
// iosystem_init_intracomm) over the full world as the compute group, the
// common case for a host that has not itself split world into a smaller
// compute communicator first.
func IOSystemInitIntracomm(world *mpi.World, n, stride, base int, rearr iosystem.Rearranger) (int, error) {
	compute := mpi.NewWorldComm(world)
	sys, err := iosystem.InitIntracomm(compute, n, stride, base, rearr)
	if err != nil {
		return 0, err
	}
	return ioSystems.Add(sys)
}

// IOSystemInitAsync wraps iosystem.InitAsyncExplicit (spec.md §6
// iosystem_init_async), returning one handle per component this process
// participates in, same ordering as compProcs.
func IOSystemInitAsync(world *mpi.World, ioProcs []int, compProcs [][]int, rearr iosystem.Rearranger) ([]int, error) {
	worldComm := mpi.NewWorldComm(world)
	systems, err := iosystem.InitAsyncExplicit(worldComm, ioProcs, compProcs, rearr)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(systems))
	for i, sys := range systems {
		id, err := ioSystems.Add(sys)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// IOSystemFree releases an IOSystem handle (spec.md §6 iosystem_free). The
// compute master should call Exit first if the system is async, to break
// its I/O tasks' dispatch loop.
func IOSystemFree(sysID int) error {
	sys, err := ioSystems.Get(sysID)
	if err != nil {
		return err
	}
	err = iosystem.IOSystemFree(sys)
	if err := applyErrorPolicy(sys, scopeUnion, "pario: iosystem_free", err); err != nil {
		return err
	}
	ioSystems.Remove(sysID)
	return nil
}

// Exit signals an async IOSystem's I/O tasks to leave their dispatch loop
// (spec.md §4.3 MsgExit); a no-op on a non-async system.
func Exit(sysID int) error {
	sys, err := ioSystems.Get(sysID)
	if err != nil {
		return err
	}
	return iosystem.Exit(sys)
}

// SetErrorHandler installs policy as sysID's error-handling policy (spec.md
// §6 set_error_handler, §7).
func SetErrorHandler(sysID int, policy pioerrors.Policy) error {
	sys, err := ioSystems.Get(sysID)
	if err != nil {
		return err
	}
	sys.ErrorHandler = pioerrors.NewHandler(policy)
	return nil
}

// SetRearrOpts installs opts as sysID's default rearrange options (spec.md
// §6 set_rearr_opts); decompositions created against sysID afterward inherit
// it. A decomposition already built keeps whatever it was created with —
// set_rearr_opts is not retroactive, matching the reference library.
func SetRearrOpts(sysID int, opts iosystem.RearrOpts) error {
	sys, err := ioSystems.Get(sysID)
	if err != nil {
		return err
	}
	sys.RearrOpts = opts
	return nil
}

// BoxOptions/SubsetOptions let DecompInit's caller reach the rearranger-
// specific knobs (Box's blocksize/explicit hyperslabs) without overloading
// every call site with unused parameters.
type BoxOptions struct {
	Blocksize      int
	IOStart, IOCount [][]int
}

// DecompInit runs the map normalizer and the chosen rearranger over userMap
// (spec.md §6 decomp_init), registers the resulting Decomposition, and
// returns its handle. rearr must be iosystem.Box or iosystem.Subset; pass a
// zero BoxOptions for Subset (ignored).
//
// Unlike the file-lifecycle/metadata calls below, this is not a one-sided
// RPC to the I/O group even in async mode: Box/Subset's plan exchange is
// itself a collective across the whole union (iodesc.Box/Subset send/recv
// directly between compute and I/O ranks), so the compute side must run its
// own real half locally, not merely receive a reported id back. On an async
// IOSystem the compute master first hands the I/O group the signal to run
// its matching half (dispatch.go's handleDecompInit), then every compute
// task runs decompInitLocal itself; the two sides rendezvous inside
// Box/Subset's own union sends/receives. The two sides' registries end up
// agreeing on the same id only because every process calls decomp_init the
// same number of times in the same order (spec.md §5's single-threaded,
// collective-call assumption) — the same determinism registry.Table's
// sequential counter already relies on elsewhere in this module.
func DecompInit(sysID int, elemType iodesc.ElemType, globalDims []int, userMap []int, rearr iosystem.Rearranger, boxOpts BoxOptions) (int, error) {
	sys, err := ioSystems.Get(sysID)
	if err != nil {
		return 0, err
	}
	if sys.Async && !sys.IAmIOTask && sys.IAmCompMaster() {
		if err := iosystem.SendMsgCode(sys, iosystem.MsgDecompInit); err != nil {
			return 0, fmt.Errorf("pario: signaling decomp_init to I/O group: %w", err)
		}
		if err := iosystem.DispatchArgs(sys, elemType, globalDims, rearr, boxOpts); err != nil {
			return 0, fmt.Errorf("pario: dispatching decomp_init args: %w", err)
		}
	} else if sys.Async && !sys.IAmIOTask {
		// Non-master compute ranks still take part in DispatchArgs's internal
		// compute broadcast (iosystem.DispatchArgs), even though only the
		// master relays on to the I/O side.
		if err := iosystem.DispatchArgs(sys, elemType, globalDims, rearr, boxOpts); err != nil {
			return 0, fmt.Errorf("pario: dispatching decomp_init args: %w", err)
		}
	}
	id, err := decompInitLocal(sys, elemType, globalDims, userMap, rearr, boxOpts)
	return id, applyErrorPolicy(sys, scopeCompute, "pario: decomp_init", err)
}

// decompInitLocal is DecompInit's body proper, shared by the synchronous
// path above and the async dispatch handler (dispatch.go's
// handleDecompInit). In async mode this runs on the I/O group, which is not
// a member of sys.Compute (InitAsyncExplicit builds the two groups
// disjoint) and so cannot run the compute-only map normalizer at all: an
// I/O task instead builds the bare shape Box/Subset actually need — element
// type and global dims, no map — and leaves the normalizer's compute-local
// fields (Map, ReadOnly, NeedsFill, ...) at their zero value, exactly as
// Box/Subset's own sys.IAmIOTask branches already expect (an I/O task
// contributes nothing to the compute-side "walk the map" pass). In non-async
// mode every task, I/O or not, is a sys.Compute member and must normalize:
// an intracomm I/O task (e.g. the sole task in a one-rank, one-iotask
// IOSystem) is still the one holding userMap and must feed it into Box.
func decompInitLocal(sys *iosystem.IOSystem, elemType iodesc.ElemType, globalDims []int, userMap []int, rearr iosystem.Rearranger, boxOpts BoxOptions) (int, error) {
	var d *iodesc.Decomposition
	if sys.Async && sys.IAmIOTask {
		d = &iodesc.Decomposition{
			ElemType:   elemType,
			NDims:      len(globalDims),
			GlobalDims: append([]int(nil), globalDims...),
		}
	} else {
		var err error
		d, err = iodesc.Normalize(sys.Compute, elemType, globalDims, userMap)
		if err != nil {
			return 0, err
		}
	}
	d.RearrOpts = sys.RearrOpts
	var err error
	switch rearr {
	case iosystem.Box:
		err = iodesc.Box(d, sys, boxOpts.Blocksize, boxOpts.IOStart, boxOpts.IOCount)
	case iosystem.Subset:
		err = iodesc.Subset(d, sys)
	default:
		err = fmt.Errorf("pario: decomp_init: unknown rearranger %v", rearr)
	}
	if err != nil {
		return 0, err
	}
	id, err := decomps.Add(d)
	if err != nil {
		return 0, err
	}
	d.ID = id
	rememberDecompOwner(id, sys)
	return id, nil
}

// DecompFree releases a decomposition handle (spec.md §6 decomp_free). Its
// SubsetComm (if any) and rearranger plan hold no OS resources beyond the
// World's own connections, owned by the World itself — see
// iosystem.IOSystemFree's identical reasoning — so freeing is just removing
// the registry entry. On an async IOSystem this is dispatched to the I/O
// group first, which frees its own entry the same way.
func DecompFree(decompID int) error {
	sys := ownerOfDecomp(decompID)
	if sys != nil && sys.Async && !sys.IAmIOTask {
		if _, err := asyncDispatch(sys, iosystem.MsgDecompFree, decompID); err != nil {
			return err
		}
		decomps.Remove(decompID)
		forgetDecompOwner(decompID)
		return nil
	}
	_, err := decomps.Get(decompID)
	if err == nil {
		decomps.Remove(decompID)
	}
	if err := applyErrorPolicy(sys, scopeUnion, "pario: decomp_free", err); err != nil {
		return err
	}
	forgetDecompOwner(decompID)
	return nil
}

// WriteDecomp / ReadDecomp implement spec.md §8's decomposition-persistence
// seed scenario directly in terms of iodesc's on-disk format, for a host
// that wants to save/restore a decomposition across runs rather than
// recompute decomp_init every time.
func WriteDecomp(path string, sysID int, decompID int, meta iodesc.DecompMeta) error {
	sys, err := ioSystems.Get(sysID)
	if err != nil {
		return err
	}
	d, err := decomps.Get(decompID)
	if err != nil {
		return err
	}
	return iodesc.WriteNCDecomp(path, sys.Compute, d, meta)
}

func ReadDecomp(path string, sysID int, elemType iodesc.ElemType, rearr iosystem.Rearranger, boxOpts BoxOptions) (int, error) {
	sys, err := ioSystems.Get(sysID)
	if err != nil {
		return 0, err
	}
	d, err := iodesc.ReadNCDecomp(path, sys.Compute, elemType)
	if err != nil {
		return 0, err
	}
	d.RearrOpts = sys.RearrOpts
	switch rearr {
	case iosystem.Box:
		err = iodesc.Box(d, sys, boxOpts.Blocksize, boxOpts.IOStart, boxOpts.IOCount)
	case iosystem.Subset:
		err = iodesc.Subset(d, sys)
	default:
		err = fmt.Errorf("pario: read_decomp: unknown rearranger %v", rearr)
	}
	if err != nil {
		return 0, err
	}
	id, err := decomps.Add(d)
	if err != nil {
		return 0, err
	}
	d.ID = id
	rememberDecompOwner(id, sys)
	return id, nil
}

// FileCreate/FileOpen/FileClose/FileSync implement spec.md §6's file
// lifecycle entry points. On an async IOSystem the compute side never
// touches file.Create/file.Open directly — it dispatches to the I/O group,
// which runs the call and reports the handle back (dispatch.go).
func FileCreate(sysID int, path string, backendType file.BackendType) (int, error) {
	sys, err := ioSystems.Get(sysID)
	if err != nil {
		return 0, err
	}
	if sys.Async && !sys.IAmIOTask {
		id, err := asyncDispatch(sys, iosystem.MsgCreateFile, path, backendType)
		if err != nil {
			return 0, err
		}
		rememberFileOwner(id, sys)
		return id, nil
	}
	f, err := file.Create(sys, path, backendType)
	if err := applyErrorPolicy(sys, scopeIO, "pario: create_file", err); err != nil {
		return 0, err
	}
	id, err := files.Add(f)
	if err != nil {
		return 0, err
	}
	rememberFileOwner(id, sys)
	return id, nil
}

func FileOpen(sysID int, path string, backendType file.BackendType, writable bool) (int, error) {
	sys, err := ioSystems.Get(sysID)
	if err != nil {
		return 0, err
	}
	if sys.Async && !sys.IAmIOTask {
		id, err := asyncDispatch(sys, iosystem.MsgOpenFile, path, backendType, writable)
		if err != nil {
			return 0, err
		}
		rememberFileOwner(id, sys)
		return id, nil
	}
	f, err := file.Open(sys, path, backendType, writable)
	if err := applyErrorPolicy(sys, scopeIO, "pario: open_file", err); err != nil {
		return 0, err
	}
	id, err := files.Add(f)
	if err != nil {
		return 0, err
	}
	rememberFileOwner(id, sys)
	return id, nil
}

func FileClose(fileID int) error {
	if sys := ownerOfFile(fileID); sys != nil && sys.Async && !sys.IAmIOTask {
		if _, err := asyncDispatch(sys, iosystem.MsgCloseFile, fileID); err != nil {
			return err
		}
		forgetFileOwner(fileID)
		return nil
	}
	f, err := files.Get(fileID)
	if err != nil {
		return err
	}
	err = f.Close()
	if err := applyErrorPolicy(ownerOfFile(fileID), scopeIO, "pario: close_file", err); err != nil {
		return err
	}
	files.Remove(fileID)
	forgetFileOwner(fileID)
	return nil
}

func FileSync(fileID int) error {
	if sys := ownerOfFile(fileID); sys != nil && sys.Async && !sys.IAmIOTask {
		_, err := asyncDispatch(sys, iosystem.MsgSyncFile, fileID)
		return err
	}
	f, err := files.Get(fileID)
	if err != nil {
		return err
	}
	return applyErrorPolicy(ownerOfFile(fileID), scopeIO, "pario: sync_file", f.Sync())
}

func FlushToDisk(fileID int) error {
	f, err := files.Get(fileID)
	if err != nil {
		return err
	}
	return applyErrorPolicy(ownerOfFile(fileID), scopeUnion, "pario: flushtodisk", f.FlushToDisk())
}

// DefineDim/DefineVar/PutGlobalAttr/PutVarAttr/EndDef implement spec.md §6's
// define-mode entry points.
func DefineDim(fileID int, name string, length int) (backend.DimID, error) {
	if sys := ownerOfFile(fileID); sys != nil && sys.Async && !sys.IAmIOTask {
		id, err := asyncDispatch(sys, iosystem.MsgDefineDim, fileID, name, length)
		return backend.DimID(id), err
	}
	f, err := files.Get(fileID)
	if err != nil {
		return 0, err
	}
	id, err := f.DefineDim(name, length)
	return id, applyErrorPolicy(ownerOfFile(fileID), scopeIO, "pario: define_dim", err)
}

func DefineVar(fileID int, name string, elemType iodesc.ElemType, dimIDs []backend.DimID, isRecordVar bool) (int, error) {
	if sys := ownerOfFile(fileID); sys != nil && sys.Async && !sys.IAmIOTask {
		return asyncDispatch(sys, iosystem.MsgDefineVar, fileID, name, elemType, dimIDs, isRecordVar)
	}
	f, err := files.Get(fileID)
	if err != nil {
		return 0, err
	}
	vd, err := f.DefineVar(name, elemType, dimIDs, isRecordVar)
	if err := applyErrorPolicy(ownerOfFile(fileID), scopeIO, "pario: define_var", err); err != nil {
		return 0, err
	}
	return vd.ID, nil
}

func PutGlobalAttr(fileID int, name, value string) error {
	if sys := ownerOfFile(fileID); sys != nil && sys.Async && !sys.IAmIOTask {
		_, err := asyncDispatch(sys, iosystem.MsgPutGlobalAttr, fileID, name, value)
		return err
	}
	f, err := files.Get(fileID)
	if err != nil {
		return err
	}
	return applyErrorPolicy(ownerOfFile(fileID), scopeIO, "pario: put_global_attr", f.PutGlobalAttr(name, value))
}

func PutVarAttr(fileID, varID int, name, value string) error {
	if sys := ownerOfFile(fileID); sys != nil && sys.Async && !sys.IAmIOTask {
		_, err := asyncDispatch(sys, iosystem.MsgPutVarAttr, fileID, varID, name, value)
		return err
	}
	f, v, err := getVar(fileID, varID)
	if err != nil {
		return err
	}
	return applyErrorPolicy(ownerOfFile(fileID), scopeIO, "pario: put_var_attr", f.PutVarAttr(v, name, value))
}

func EndDef(fileID int, recordCapacity int) error {
	if sys := ownerOfFile(fileID); sys != nil && sys.Async && !sys.IAmIOTask {
		_, err := asyncDispatch(sys, iosystem.MsgEndDef, fileID, recordCapacity)
		return err
	}
	f, err := files.Get(fileID)
	if err != nil {
		return err
	}
	return applyErrorPolicy(ownerOfFile(fileID), scopeIO, "pario: enddef", f.EndDef(recordCapacity))
}

// SetFillValue enables fill-on-hole for a variable (spec.md §3 Variable
// descriptor fill_value/fill_enabled); value must be exactly one element
// wide, matching the variable's declared element type.
func SetFillValue(fileID, varID int, value []byte) error {
	if sys := ownerOfFile(fileID); sys != nil && sys.Async && !sys.IAmIOTask {
		_, err := asyncDispatch(sys, iosystem.MsgSetFillValue, fileID, varID, value)
		return err
	}
	_, v, err := getVar(fileID, varID)
	if err != nil {
		return err
	}
	if len(value) != v.ElemType.ByteSize() {
		err := fmt.Errorf("pario: set_fill_value: value is %d bytes, variable %q is %d: %w", len(value), v.Name, v.ElemType.ByteSize(), pioerrors.ErrBadDims)
		return applyErrorPolicy(ownerOfFile(fileID), scopeIO, "pario: set_fill_value", err)
	}
	v.FillValue = append([]byte(nil), value...)
	v.FillEnabled = true
	return nil
}

// SetRecord/AdvanceRecord implement spec.md §6.
func SetRecord(fileID, varID, record int) error {
	if sys := ownerOfFile(fileID); sys != nil && sys.Async && !sys.IAmIOTask {
		_, err := asyncDispatch(sys, iosystem.MsgSetRecord, fileID, varID, record)
		return err
	}
	_, v, err := getVar(fileID, varID)
	if err != nil {
		return err
	}
	return applyErrorPolicy(ownerOfFile(fileID), scopeIO, "pario: set_record", v.SetRecord(record))
}

func AdvanceRecord(fileID, varID int) error {
	if sys := ownerOfFile(fileID); sys != nil && sys.Async && !sys.IAmIOTask {
		_, err := asyncDispatch(sys, iosystem.MsgAdvanceRecord, fileID, varID)
		return err
	}
	_, v, err := getVar(fileID, varID)
	if err != nil {
		return err
	}
	return applyErrorPolicy(ownerOfFile(fileID), scopeIO, "pario: advance_record", v.AdvanceRecord())
}

// Inquiry family (spec.md §6): NumDims, NumVars, VarShape, DimLength,
// VarByName, DimByName, GlobalAttr.
func NumDims(fileID int) (int, error) {
	f, err := files.Get(fileID)
	if err != nil {
		return 0, err
	}
	return f.NumDims(), nil
}

func NumVars(fileID int) (int, error) {
	f, err := files.Get(fileID)
	if err != nil {
		return 0, err
	}
	return f.NumVars(), nil
}

func VarShape(fileID, varID int) ([]int, error) {
	f, v, err := getVar(fileID, varID)
	if err != nil {
		return nil, err
	}
	return f.VarShape(v), nil
}

func DimLength(fileID int, d backend.DimID) (int, error) {
	f, err := files.Get(fileID)
	if err != nil {
		return 0, err
	}
	return f.DimLength(d), nil
}

func VarByName(fileID int, name string) (int, bool, error) {
	f, err := files.Get(fileID)
	if err != nil {
		return 0, false, err
	}
	v, ok := f.VarByName(name)
	if !ok {
		return 0, false, nil
	}
	return v.ID, true, nil
}

func getVar(fileID, varID int) (*file.File, *file.VarDesc, error) {
	f, err := files.Get(fileID)
	if err != nil {
		return nil, nil, err
	}
	v, ok := f.VarByID(varID)
	if !ok {
		return nil, nil, fmt.Errorf("pario: %w: no variable %d on file %d", pioerrors.ErrBadID, varID, fileID)
	}
	return f, v, nil
}

// WriteDarray/WriteDarrayMulti/ReadDarray implement spec.md §6's data-
// movement entry points. Every member of the decomposition's IOSystem must
// call collectively; fillValue may be nil if the decomposition never
// reported NeedsFill (iodesc.Decomposition.NeedsFill).
func WriteDarray(fileID, varID, decompID, record int, data []byte, fillValue []byte) error {
	_, v, err := getVar(fileID, varID)
	if err != nil {
		return err
	}
	f, _ := files.Get(fileID)
	d, err := decomps.Get(decompID)
	if err != nil {
		return err
	}
	var werr error
	if d.ReadOnly {
		werr = fmt.Errorf("pario: write_darray: decomposition %d: %w", decompID, pioerrors.ErrReadOnly)
	} else {
		werr = f.WriteDarray(v, d, record, data, fillValue)
	}
	return applyErrorPolicy(ownerOfFile(fileID), scopeUnion, "pario: write_darray", werr)
}

// WriteDarrayMulti queues several variables sharing one decomposition in one
// call (spec.md §6 write_darray_multi); they share the same multi-buffer
// (file.MultiBuffer keys on decomposition + record-var-ness, not variable
// identity) so they flush together rather than one rearrangement each.
func WriteDarrayMulti(fileID int, varIDs []int, decompID, record int, datas [][]byte, fillValues [][]byte) error {
	if len(varIDs) != len(datas) {
		return fmt.Errorf("pario: write_darray_multi: %d variables but %d data buffers", len(varIDs), len(datas))
	}
	for i, varID := range varIDs {
		var fill []byte
		if fillValues != nil {
			fill = fillValues[i]
		}
		if err := WriteDarray(fileID, varID, decompID, record, datas[i], fill); err != nil {
			return fmt.Errorf("pario: write_darray_multi: variable %d: %w", varID, err)
		}
	}
	return nil
}

func ReadDarray(fileID, varID, decompID, record int, data []byte) error {
	f, v, err := getVar(fileID, varID)
	if err != nil {
		return err
	}
	d, err := decomps.Get(decompID)
	if err != nil {
		return err
	}
	return applyErrorPolicy(ownerOfFile(fileID), scopeUnion, "pario: read_darray", f.ReadDarray(v, d, record, data))
}
