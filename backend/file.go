package backend

import (
	"fmt"
	"os"
	"sync"

	pioerrors "github.com/parallelio/pario/errors"
)

// DimID and VarID are handles into one File's dims/vars tables, valid only
// for the File that returned them.
type DimID int
type VarID int

// File is one open container (spec.md §6): a header (dims/vars/attrs)
// followed by one contiguous data region per variable. Classic mode takes no
// lock, so it neither serializes nor detects overlapping PutVara/GetVara
// calls; parallel mode serializes concurrent PutVara calls behind a mutex,
// simulating a parallel-capable backend without requiring an actual parallel
// filesystem (spec.md §1 non-goal).
type File struct {
	path       string
	f          *os.File
	mu         sync.Mutex
	parallel   bool
	defineMode bool
	hdr        *header
	recordDim  int // index into hdr.Dims; -1 if no record dim defined
}

// Create opens a new container file in define mode. arrayOrder must be "C"
// or "Fortran" (spec.md §6 on-disk format table).
func Create(path, arrayOrder string, parallel bool) (*File, error) {
	if arrayOrder != "C" && arrayOrder != "Fortran" {
		return nil, fmt.Errorf("backend: array_order must be C or Fortran, got %q", arrayOrder)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("backend: create %s: %w", path, err)
	}
	return &File{
		path:       path,
		f:          f,
		parallel:   parallel,
		defineMode: true,
		hdr:        &header{ArrayOrder: arrayOrder},
		recordDim:  -1,
	}, nil
}

// Open opens an existing container file in data mode.
func Open(path string, parallel bool) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("backend: open %s: %w", path, err)
	}
	h, err := decodeHeader(newCursorReader(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("backend: decode header of %s: %w", path, err)
	}
	file := &File{path: path, f: f, parallel: parallel, defineMode: false, hdr: h, recordDim: -1}
	for i, d := range h.Dims {
		if d.Length == 0 {
			file.recordDim = i
		}
	}
	return file, nil
}

// DefineDim declares a dimension. A length of 0 marks it the record
// (unlimited) dimension; only one dimension per file may have length 0.
func (f *File) DefineDim(name string, length int) (DimID, error) {
	if !f.defineMode {
		return 0, fmt.Errorf("backend: define_dim called outside define mode: %w", pioerrors.ErrBadMode)
	}
	if length == 0 {
		if f.recordDim >= 0 {
			return 0, fmt.Errorf("backend: file already has a record dimension %q: %w", f.hdr.Dims[f.recordDim].Name, pioerrors.ErrBadDims)
		}
		f.recordDim = len(f.hdr.Dims)
	}
	f.hdr.Dims = append(f.hdr.Dims, dimRec{Name: name, Length: uint64(length)})
	return DimID(len(f.hdr.Dims) - 1), nil
}

// DefineVar declares a variable over dimIDs (outer to inner, row-major), each
// element elemSize bytes wide.
func (f *File) DefineVar(name string, elemSize int, dimIDs []DimID) (VarID, error) {
	if !f.defineMode {
		return 0, fmt.Errorf("backend: define_var called outside define mode: %w", pioerrors.ErrBadMode)
	}
	ids := make([]uint32, len(dimIDs))
	for i, d := range dimIDs {
		if int(d) < 0 || int(d) >= len(f.hdr.Dims) {
			return 0, fmt.Errorf("backend: define_var %q: dim id %d out of range: %w", name, d, pioerrors.ErrBadDims)
		}
		ids[i] = uint32(d)
	}
	f.hdr.Vars = append(f.hdr.Vars, varRec{Name: name, ElemSize: uint32(elemSize), DimIDs: ids})
	return VarID(len(f.hdr.Vars) - 1), nil
}

// PutGlobalAttr / PutVarAttr attach a free-form string attribute (spec.md §6
// title/history/source/backtrace and similar). Define-mode only, matching
// this format's "header is fixed at enddef" simplification.
func (f *File) PutGlobalAttr(name, value string) error {
	if !f.defineMode {
		return fmt.Errorf("backend: put_global_attr called outside define mode: %w", pioerrors.ErrBadMode)
	}
	f.hdr.GlobalAttrs = append(f.hdr.GlobalAttrs, attrRec{Name: name, Value: value})
	return nil
}

func (f *File) PutVarAttr(v VarID, name, value string) error {
	if !f.defineMode {
		return fmt.Errorf("backend: put_var_attr called outside define mode: %w", pioerrors.ErrBadMode)
	}
	if int(v) < 0 || int(v) >= len(f.hdr.Vars) {
		return fmt.Errorf("backend: put_var_attr: var id %d out of range: %w", v, pioerrors.ErrBadDims)
	}
	f.hdr.Vars[v].Attrs = append(f.hdr.Vars[v].Attrs, attrRec{Name: name, Value: value})
	return nil
}

// EndDef closes define mode and lays out every variable's data region
// contiguously after the header. recordCapacity bounds how many records a
// record-dimensioned variable may ever hold (spec.md §1 non-goal: this
// format preallocates record capacity rather than relaying the file out on
// every growth past it, unlike true netCDF unlimited dimensions).
func (f *File) EndDef(recordCapacity int) error {
	if !f.defineMode {
		return fmt.Errorf("backend: enddef called outside define mode: %w", pioerrors.ErrBadMode)
	}
	if f.recordDim >= 0 && recordCapacity < 1 {
		return fmt.Errorf("backend: file declares a record dimension but recordCapacity is %d: %w", recordCapacity, pioerrors.ErrBadDims)
	}
	hdrSize, err := headerSize(f.hdr)
	if err != nil {
		return err
	}
	offset := hdrSize
	for i := range f.hdr.Vars {
		v := &f.hdr.Vars[i]
		n := 1
		for _, id := range v.DimIDs {
			d := f.hdr.Dims[id]
			if int(id) == f.recordDim {
				n *= recordCapacity
			} else {
				n *= int(d.Length)
			}
		}
		v.DataOffset = uint64(offset)
		v.DataLength = uint64(n) * uint64(v.ElemSize)
		offset += int64(v.DataLength)
	}
	f.defineMode = false
	return f.writeHeader()
}

func (f *File) writeHeader() error {
	return f.hdr.encode(newCursorWriter(f.f))
}

func (f *File) shape(v VarID) []int {
	vr := f.hdr.Vars[v]
	shape := make([]int, len(vr.DimIDs))
	for i, id := range vr.DimIDs {
		if int(id) == f.recordDim {
			shape[i] = int(f.hdr.NumRecords)
		} else {
			shape[i] = int(f.hdr.Dims[id].Length)
		}
	}
	return shape
}

// hyperslabOffsets returns, in traversal order, the flat row-major element
// index (relative to the variable's own origin) of every element the
// start/count/stride selection touches.
func hyperslabOffsets(shape, start, count, stride []int) ([]int64, error) {
	ndims := len(shape)
	if len(start) != ndims || len(count) != ndims {
		return nil, fmt.Errorf("backend: start/count must have %d entries, got %d/%d: %w", ndims, len(start), len(count), pioerrors.ErrBadDims)
	}
	st := stride
	if st == nil {
		st = make([]int, ndims)
		for i := range st {
			st[i] = 1
		}
	}
	strides := make([]int64, ndims)
	acc := int64(1)
	for i := ndims - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= int64(shape[i])
	}
	total := 1
	for _, c := range count {
		total *= c
	}
	out := make([]int64, 0, total)
	idx := make([]int, ndims)
	for pos := 0; pos < total; pos++ {
		var flat int64
		for d := 0; d < ndims; d++ {
			coord := start[d] + idx[d]*st[d]
			if coord < 0 || coord >= shape[d] {
				return nil, fmt.Errorf("backend: hyperslab index %d out of range [0,%d) on axis %d: %w", coord, shape[d], d, pioerrors.ErrBadDims)
			}
			flat += int64(coord) * strides[d]
		}
		out = append(out, flat)
		for d := ndims - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < count[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

// PutVara writes data (tightly packed, one vr.ElemSize-byte element per
// selected position, in traversal order) into the start/count/stride
// hyperslab of variable v (spec.md §6 put_vara). Writing past the record
// dimension's live extent advances it (the netCDF record-var convention);
// writing past its preallocated capacity fails.
func (f *File) PutVara(v VarID, start, count, stride []int, data []byte) error {
	if f.defineMode {
		return fmt.Errorf("backend: put_vara called in define mode: %w", pioerrors.ErrBadMode)
	}
	if f.parallel {
		f.mu.Lock()
		defer f.mu.Unlock()
	}
	vr := f.hdr.Vars[v]
	shapeForWrite := f.capacityShape(v)
	offs, err := hyperslabOffsets(shapeForWrite, start, count, stride)
	if err != nil {
		return fmt.Errorf("backend: put_vara %q: %w", vr.Name, err)
	}
	elemSize := int64(vr.ElemSize)
	if int64(len(data)) != int64(len(offs))*elemSize {
		return fmt.Errorf("backend: put_vara %q: data has %d bytes, want %d: %w", vr.Name, len(data), int64(len(offs))*elemSize, pioerrors.ErrBadDims)
	}
	w := newCursorWriter(f.f)
	for i, off := range offs {
		pos := int64(vr.DataOffset) + off*elemSize
		if err := w.At(pos).writeBytes(data[int64(i)*elemSize : int64(i+1)*elemSize]); err != nil {
			return fmt.Errorf("backend: put_vara %q: %w", vr.Name, err)
		}
	}
	f.growRecordExtent(v, start, count)
	return nil
}

// GetVara reads the start/count/stride hyperslab of variable v into a
// tightly-packed, traversal-order byte slice (spec.md §6 get_vara).
func (f *File) GetVara(v VarID, start, count, stride []int) ([]byte, error) {
	if f.defineMode {
		return nil, fmt.Errorf("backend: get_vara called in define mode: %w", pioerrors.ErrBadMode)
	}
	if f.parallel {
		f.mu.Lock()
		defer f.mu.Unlock()
	}
	vr := f.hdr.Vars[v]
	offs, err := hyperslabOffsets(f.shape(v), start, count, stride)
	if err != nil {
		return nil, fmt.Errorf("backend: get_vara %q: %w", vr.Name, err)
	}
	elemSize := int64(vr.ElemSize)
	out := make([]byte, int64(len(offs))*elemSize)
	r := newCursorReader(f.f)
	for i, off := range offs {
		pos := int64(vr.DataOffset) + off*elemSize
		buf, err := r.At(pos).readBytes(int(elemSize))
		if err != nil {
			return nil, fmt.Errorf("backend: get_vara %q: %w", vr.Name, err)
		}
		copy(out[int64(i)*elemSize:int64(i+1)*elemSize], buf)
	}
	return out, nil
}

// capacityShape is shape() but with the record axis reporting its
// preallocated capacity rather than its live extent, since a write is
// allowed to land anywhere within capacity even ahead of the current extent.
func (f *File) capacityShape(v VarID) []int {
	vr := f.hdr.Vars[v]
	shape := make([]int, len(vr.DimIDs))
	for i, id := range vr.DimIDs {
		if int(id) == f.recordDim {
			shape[i] = int(vr.DataLength / uint64(vr.ElemSize))
			for _, otherID := range vr.DimIDs {
				if int(otherID) != f.recordDim {
					shape[i] /= int(f.hdr.Dims[otherID].Length)
				}
			}
		} else {
			shape[i] = int(f.hdr.Dims[id].Length)
		}
	}
	return shape
}

func (f *File) growRecordExtent(v VarID, start, count []int) {
	if f.recordDim < 0 {
		return
	}
	vr := f.hdr.Vars[v]
	for i, id := range vr.DimIDs {
		if int(id) == f.recordDim {
			reached := uint64(start[i] + count[i])
			if reached > f.hdr.NumRecords {
				f.hdr.NumRecords = reached
			}
			return
		}
	}
}

// Request is a handle to an outstanding IPutVara, mirroring spec.md §6's
// iput_vara/wait_all pair.
type Request struct {
	done chan error
}

// IPutVara starts a non-blocking PutVara. In classic (non-parallel) mode
// there is only ever one backend worker, so this runs synchronously and
// returns an already-completed Request; in parallel mode it runs on its own
// goroutine, serialized against other concurrent callers by File's mutex,
// simulating a parallel-capable backend.
func (f *File) IPutVara(v VarID, start, count, stride []int, data []byte) *Request {
	req := &Request{done: make(chan error, 1)}
	if !f.parallel {
		req.done <- f.PutVara(v, start, count, stride, data)
		return req
	}
	go func() { req.done <- f.PutVara(v, start, count, stride, data) }()
	return req
}

// WaitAll blocks until every request has completed, returning the first
// error encountered (spec.md §6 wait_all).
func WaitAll(reqs []*Request) error {
	var first error
	for _, r := range reqs {
		if err := <-r.done; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Sync flushes the header (record extent may have grown) and pending writes
// to stable storage.
func (f *File) Sync() error {
	if err := f.writeHeader(); err != nil {
		return err
	}
	return f.f.Sync()
}

// Close flushes and releases the underlying OS file handle.
func (f *File) Close() error {
	if err := f.Sync(); err != nil {
		f.f.Close()
		return err
	}
	return f.f.Close()
}

// NumDims, NumVars, RecordDim and VarShape expose enough of the header for
// callers (the file package's inquiry family) without handing out the
// header type itself.
func (f *File) NumDims() int { return len(f.hdr.Dims) }
func (f *File) NumVars() int { return len(f.hdr.Vars) }
func (f *File) HasRecordDim() bool { return f.recordDim >= 0 }
func (f *File) VarShape(v VarID) []int { return f.shape(v) }
// VarByName and DimByName look up a variable/dimension id by name, for a
// reader that only knows the container's documented schema, not the ids
// DefineVar/DefineDim happened to hand back when it was written.
func (f *File) VarByName(name string) (VarID, bool) {
	for i, v := range f.hdr.Vars {
		if v.Name == name {
			return VarID(i), true
		}
	}
	return 0, false
}

func (f *File) DimByName(name string) (DimID, bool) {
	for i, d := range f.hdr.Dims {
		if d.Name == name {
			return DimID(i), true
		}
	}
	return 0, false
}

func (f *File) GlobalAttr(name string) (string, bool) {
	for _, a := range f.hdr.GlobalAttrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

func (f *File) DimLength(d DimID) int {
	if int(d) == f.recordDim {
		return int(f.hdr.NumRecords)
	}
	return int(f.hdr.Dims[d].Length)
}
