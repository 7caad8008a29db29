// Package file implements File, VarDesc and the multi-buffer aggregator
// (spec.md §3 File/Variable descriptor/Multi-buffer, §4.9): the layer that
// sits between the public write_darray/read_darray entry points and the
// backend container format.
//
// Only the I/O root (sys.IO rank 0) ever touches the backend.File directly
// — the "classic" (non-parallel) backend model spec.md §3 names as one of
// the two supported backend type tags. Every other I/O task relays its
// region data to the root over sys.IO; this avoids every I/O task opening
// the same on-disk path concurrently, which the reference C library instead
// handles with a real parallel-I/O-capable backend this pack has no
// library for (see DESIGN.md).
package file

import (
	"fmt"

	"github.com/parallelio/pario/backend"
	pioerrors "github.com/parallelio/pario/errors"
	"github.com/parallelio/pario/iodesc"
	"github.com/parallelio/pario/iosystem"
)

// BackendType mirrors spec.md §3's File.backend_type tag.
type BackendType int

const (
	ClassicSerial BackendType = iota
	ClassicParallel
)

// VarDesc is spec.md §3's Variable descriptor.
type VarDesc struct {
	ID            int
	Name          string
	ElemType      iodesc.ElemType
	IsRecordVar   bool
	CurrentRecord int
	Pending       []*backend.Request
	FillValue     []byte
	FillEnabled   bool

	backendID backend.VarID
	dimIDs    []backend.DimID
}

// File is spec.md §3's File: an owning IOSystem, a backend handle (root
// only), per-variable descriptors, and a pending multi-buffer.
type File struct {
	sys         *iosystem.IOSystem
	back        *backend.File // nil unless sys.IO.Rank() == 0
	backendType BackendType
	writable    bool
	path        string

	dims        []dimInfo
	vars        []*VarDesc
	byName      map[string]int

	mb               *MultiBuffer
	bufferLimitBytes int
}

type dimInfo struct {
	Name   string
	Length int
}

const defaultBufferLimitBytes = 64 << 20 // 64 MiB, spec.md §4.9 "configured IO-buffer size limit"

// Create opens path for writing. Every member of sys.IO must call
// collectively, with identical arguments; only the root actually creates
// the backend file.
func Create(sys *iosystem.IOSystem, path string, backendType BackendType) (*File, error) {
	if !sys.IAmIOTask {
		return nil, fmt.Errorf("file: create must be called on an I/O task")
	}
	f := &File{sys: sys, backendType: backendType, writable: true, path: path, byName: map[string]int{}, bufferLimitBytes: defaultBufferLimitBytes}
	if sys.IO.Rank() == 0 {
		back, err := backend.Create(path, "C", backendType == ClassicParallel)
		if err != nil {
			return nil, fmt.Errorf("file: create %s: %w", path, err)
		}
		f.back = back
	}
	return f, nil
}

// Open opens an existing container at path for data-mode access (define
// operations are not valid on the result). Every I/O task calls
// collectively; non-root tasks hold no backend handle, consistent with
// Create.
func Open(sys *iosystem.IOSystem, path string, backendType BackendType, writable bool) (*File, error) {
	if !sys.IAmIOTask {
		return nil, fmt.Errorf("file: open must be called on an I/O task")
	}
	f := &File{sys: sys, backendType: backendType, writable: writable, path: path, byName: map[string]int{}, bufferLimitBytes: defaultBufferLimitBytes}
	if sys.IO.Rank() == 0 {
		back, err := backend.Open(path, backendType == ClassicParallel)
		if err != nil {
			return nil, fmt.Errorf("file: open %s: %w", path, err)
		}
		f.back = back
	}
	return f, nil
}

// DefineDim declares a dimension. IDs are assigned by call order, the same
// deterministic scheme childCommID's discriminant uses elsewhere in this
// module: every I/O task calls DefineDim in lockstep with the same
// arguments, so every task's Nth DefineDim call agrees on id N without any
// broadcast.
func (f *File) DefineDim(name string, length int) (backend.DimID, error) {
	id := backend.DimID(len(f.dims))
	f.dims = append(f.dims, dimInfo{Name: name, Length: length})
	if f.back != nil {
		if _, err := f.back.DefineDim(name, length); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// DefineVar declares a variable over dimIDs (outer to inner).
func (f *File) DefineVar(name string, elemType iodesc.ElemType, dimIDs []backend.DimID, isRecordVar bool) (*VarDesc, error) {
	vd := &VarDesc{ID: len(f.vars), Name: name, ElemType: elemType, IsRecordVar: isRecordVar, dimIDs: dimIDs}
	if f.back != nil {
		backID, err := f.back.DefineVar(name, elemType.ByteSize(), dimIDs)
		if err != nil {
			return nil, err
		}
		vd.backendID = backID
	}
	f.vars = append(f.vars, vd)
	f.byName[name] = vd.ID
	return vd, nil
}

// PutGlobalAttr/PutVarAttr attach free-form metadata (root only performs the
// backend call; non-root tasks carry no header state to attach to).
func (f *File) PutGlobalAttr(name, value string) error {
	if f.back != nil {
		return f.back.PutGlobalAttr(name, value)
	}
	return nil
}

func (f *File) PutVarAttr(v *VarDesc, name, value string) error {
	if f.back != nil {
		return f.back.PutVarAttr(v.backendID, name, value)
	}
	return nil
}

// EndDef closes define mode. recordCapacity bounds a record-dimensioned
// variable's preallocated extent (backend.File.EndDef).
func (f *File) EndDef(recordCapacity int) error {
	if f.back != nil {
		return f.back.EndDef(recordCapacity)
	}
	return nil
}

// VarByName looks up a previously defined variable.
func (f *File) VarByName(name string) (*VarDesc, bool) {
	id, ok := f.byName[name]
	if !ok {
		return nil, false
	}
	return f.vars[id], true
}

// VarByID looks up a variable by the id DefineVar returned.
func (f *File) VarByID(id int) (*VarDesc, bool) {
	if id < 0 || id >= len(f.vars) {
		return nil, false
	}
	return f.vars[id], true
}

// NumDims/NumVars expose the define-mode-time dimension/variable counts
// (spec.md §6 inquiry family); DimLength/VarShape read through to the
// backend file, which is only non-nil on the I/O root — on other tasks
// DimLength falls back to the define-time length recorded in dims and
// VarShape returns nil, matching the "only root touches backend" division
// of labor the package comment describes.
func (f *File) NumDims() int { return len(f.dims) }
func (f *File) NumVars() int { return len(f.vars) }

func (f *File) DimLength(id backend.DimID) int {
	if f.back != nil {
		return f.back.DimLength(id)
	}
	if int(id) >= 0 && int(id) < len(f.dims) {
		return f.dims[id].Length
	}
	return 0
}

func (f *File) VarShape(v *VarDesc) []int {
	if f.back == nil {
		return nil
	}
	return f.back.VarShape(v.backendID)
}

// SetRecord / AdvanceRecord implement spec.md §6 set_record/advance_record.
func (v *VarDesc) SetRecord(record int) error {
	if !v.IsRecordVar {
		return fmt.Errorf("file: set_record on non-record variable %q: %w", v.Name, pioerrors.ErrBadMode)
	}
	v.CurrentRecord = record
	return nil
}

func (v *VarDesc) AdvanceRecord() error {
	if !v.IsRecordVar {
		return fmt.Errorf("file: advance_record on non-record variable %q: %w", v.Name, pioerrors.ErrBadMode)
	}
	v.CurrentRecord++
	return nil
}

// Sync flushes any pending multi-buffer, then the backend file.
func (f *File) Sync() error {
	if err := f.flushMultiBuffer(); err != nil {
		return err
	}
	if f.back != nil {
		return f.back.Sync()
	}
	return nil
}

// Close flushes and releases the file (spec.md §3 File lifecycle: "close
// implicitly flushes any pending multi-buffer").
func (f *File) Close() error {
	if err := f.flushMultiBuffer(); err != nil {
		return err
	}
	if f.back != nil {
		return f.back.Close()
	}
	return nil
}
