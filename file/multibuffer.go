package file

import (
	"fmt"

	"github.com/parallelio/pario/backend"
	pioerrors "github.com/parallelio/pario/errors"
	"github.com/parallelio/pario/iodesc"
	"github.com/parallelio/pario/iosystem"
)

// tagFileRelay is the reserved I/O-communicator tag a non-root I/O task uses
// to hand its rearranged region data to the root, the only task that ever
// calls into the backend (see file.go's package comment).
const tagFileRelay = -95

// queuedWrite is one write_darray call aggregated into a MultiBuffer, still
// holding the caller's full local buffer (not yet rearranged).
type queuedWrite struct {
	Var       *VarDesc
	Decomp    *iodesc.Decomposition
	Record    int
	Data      []byte
	FillValue []byte
}

// MultiBuffer aggregates successive write_darray calls that target the same
// (file, decomposition, is_record_var) triple (spec.md §4.9), so a run of
// writes sharing a decomposition flushes as one rearrangement covering every
// queued variable, followed by one backend.PutVara per region per variable,
// rather than one rearrangement per call.
//
// Every queued write's local buffer is interleaved into a single combined
// buffer — elemSize*len(queued) bytes per map position — so flushMultiBuffer
// can hand the whole batch to iodesc.SwapM as one exchange whose "element"
// is really one record per variable (spec.md §4.9's rearranger is indifferent
// to what an element represents). This requires every queued write to share
// the decomposition's element size; flushMultiBuffer rejects a mismatch.
type MultiBuffer struct {
	decompID int
	isRecord bool
	queued   []queuedWrite
	bytes    int
}

func newMultiBuffer(decompID int, isRecord bool) *MultiBuffer {
	return &MultiBuffer{decompID: decompID, isRecord: isRecord}
}

func (mb *MultiBuffer) matches(decompID int, isRecord bool) bool {
	return mb.decompID == decompID && mb.isRecord == isRecord
}

func (mb *MultiBuffer) push(w queuedWrite) {
	mb.queued = append(mb.queued, w)
	mb.bytes += len(w.Data)
}

// WriteDarray implements spec.md §6 write_darray: every member of sys.Union
// calls this collectively (compute tasks supplying their own local buffer in
// data, I/O-only tasks passing nil), queuing the write into f's multi-buffer
// and flushing it if a trigger fires.
func (f *File) WriteDarray(v *VarDesc, d *iodesc.Decomposition, record int, data []byte, fillValue []byte) error {
	if !f.writable {
		return fmt.Errorf("file: write_darray on a file opened read-only")
	}
	if v.IsRecordVar {
		if err := v.SetRecord(record); err != nil {
			return err
		}
	}
	if f.mb != nil && !f.mb.matches(d.ID, v.IsRecordVar) {
		if err := f.flushMultiBuffer(); err != nil {
			return err
		}
	}
	if f.mb == nil {
		f.mb = newMultiBuffer(d.ID, v.IsRecordVar)
	}
	f.mb.push(queuedWrite{Var: v, Decomp: d, Record: record, Data: data, FillValue: fillValue})

	if f.mb.bytes >= f.bufferLimitBytes {
		return f.flushMultiBuffer()
	}
	return nil
}

// FlushToDisk forces a flush mid-stream (spec.md §6 flushtodisk=true),
// without waiting for a flush trigger or a Sync/Close.
func (f *File) FlushToDisk() error {
	return f.flushMultiBuffer()
}

// flushMultiBuffer drains the queue with exactly one rearrangement
// (iodesc.SwapM call): every queued write's local buffer is interleaved into
// one combined buffer, moved in a single exchange, then de-interleaved back
// into per-variable I/O buffers for one backend.PutVara pass per region per
// variable (spec.md §4.9).
func (f *File) flushMultiBuffer() error {
	if f.mb == nil || len(f.mb.queued) == 0 {
		f.mb = nil
		return nil
	}
	queued := f.mb.queued
	f.mb = nil
	sys := f.sys

	d := queued[0].Decomp
	elemSize := d.ElemType.ByteSize()
	nvars := len(queued)

	local := make([]byte, d.MapLen*elemSize*nvars)
	for vi, w := range queued {
		if w.Var.ElemType.ByteSize() != elemSize {
			return fmt.Errorf("file: write_darray %q: element size %d does not match decomposition's %d: %w",
				w.Var.Name, w.Var.ElemType.ByteSize(), elemSize, pioerrors.ErrBadDims)
		}
		for p := 0; p < d.MapLen; p++ {
			copy(local[(p*nvars+vi)*elemSize:(p*nvars+vi+1)*elemSize], w.Data[p*elemSize:(p+1)*elemSize])
		}
	}

	var iobuf []byte
	if sys.IAmIOTask {
		iobuf = make([]byte, d.LLen*elemSize*nvars)
	}
	if err := iodesc.SwapM(sys, d, iodesc.ComputeToIO, local, iobuf, elemSize*nvars); err != nil {
		return fmt.Errorf("file: write_darray: %w", err)
	}

	for vi, w := range queued {
		var varIOBuf []byte
		if sys.IAmIOTask {
			varIOBuf = make([]byte, d.LLen*elemSize)
			for p := 0; p < d.LLen; p++ {
				copy(varIOBuf[p*elemSize:(p+1)*elemSize], iobuf[(p*nvars+vi)*elemSize:(p*nvars+vi+1)*elemSize])
			}
		}
		if err := deliverWrite(sys, f, w.Var, d, varIOBuf, w.FillValue); err != nil {
			return fmt.Errorf("file: write_darray %q: %w", w.Var.Name, err)
		}
		if w.Var.IsRecordVar {
			w.Var.Pending = nil
		}
	}
	return nil
}

// regionPayload is what a non-root I/O task relays to the root: its own
// rearranged region list plus the bytes those regions describe.
type regionPayload struct {
	Regions []iodesc.Region
	Holes   []iodesc.Region
	Data    []byte
}

// deliverWrite hands this I/O task's rearranged buffer to the backend,
// relaying through the I/O root if this task isn't it (file.go's package
// comment explains why only the root touches backend.File).
func deliverWrite(sys *iosystem.IOSystem, f *File, v *VarDesc, d *iodesc.Decomposition, iobuf []byte, fillValue []byte) error {
	if !sys.IAmIOTask {
		return nil
	}
	if sys.IO.Rank() != 0 {
		payload := regionPayload{Regions: d.Regions, Holes: d.HoleRegions, Data: iobuf}
		return sys.IO.Send(payload, 0, tagFileRelay)
	}
	if err := writeRegions(f.back, v, d.Regions, d.HoleRegions, iobuf, fillValue, v.ElemType.ByteSize()); err != nil {
		return err
	}
	for r := 1; r < sys.IO.Size(); r++ {
		var payload regionPayload
		if err := sys.IO.Recv(&payload, r, tagFileRelay); err != nil {
			return fmt.Errorf("receiving relayed regions from I/O rank %d: %w: %w", r, err, pioerrors.ErrCommFailed)
		}
		if err := writeRegions(f.back, v, payload.Regions, payload.Holes, payload.Data, fillValue, v.ElemType.ByteSize()); err != nil {
			return err
		}
	}
	return nil
}

func regionStartCount(v *VarDesc, reg iodesc.Region) (start, count []int) {
	if !v.IsRecordVar {
		return reg.Start, reg.Count
	}
	start = append([]int{v.CurrentRecord}, reg.Start...)
	count = append([]int{1}, reg.Count...)
	return start, count
}

func regionLen(count []int) int {
	n := 1
	for _, c := range count {
		n *= c
	}
	return n
}

func writeRegions(back *backend.File, v *VarDesc, regions, holes []iodesc.Region, iobuf []byte, fillValue []byte, elemSize int) error {
	for _, reg := range regions {
		start, count := regionStartCount(v, reg)
		n := regionLen(reg.Count)
		data := iobuf[reg.LOffset*elemSize : (reg.LOffset+n)*elemSize]
		if err := back.PutVara(v.backendID, start, count, nil, data); err != nil {
			return err
		}
	}
	if len(holes) == 0 {
		return nil
	}
	if !v.FillEnabled || fillValue == nil {
		return fmt.Errorf("decomposition has unwritten holes but variable %q has no fill value set", v.Name)
	}
	for _, reg := range holes {
		start, count := regionStartCount(v, reg)
		n := regionLen(reg.Count)
		buf := make([]byte, n*elemSize)
		for i := 0; i < n; i++ {
			copy(buf[i*elemSize:(i+1)*elemSize], fillValue)
		}
		if err := back.PutVara(v.backendID, start, count, nil, buf); err != nil {
			return err
		}
	}
	return nil
}

// ReadDarray implements spec.md §6 read_darray: the I/O-to-compute mirror of
// WriteDarray, bypassing the multi-buffer (reads are never aggregated, only
// writes are — spec.md §4.9 describes write-side queuing only). Every
// member of sys.Union calls collectively; data must be sized d.MapLen
// elements wide on a compute task, and is untouched on an I/O-only task.
func (f *File) ReadDarray(v *VarDesc, d *iodesc.Decomposition, record int, data []byte) error {
	if v.IsRecordVar {
		if err := v.SetRecord(record); err != nil {
			return err
		}
	}
	sys := f.sys
	elemSize := v.ElemType.ByteSize()
	var iobuf []byte
	if sys.IAmIOTask {
		iobuf = make([]byte, d.LLen*elemSize)
		if err := fillFromBackend(sys, f, v, d, iobuf); err != nil {
			return fmt.Errorf("file: read_darray %q: %w", v.Name, err)
		}
	}
	if err := iodesc.SwapM(sys, d, iodesc.IOToCompute, data, iobuf, elemSize); err != nil {
		return fmt.Errorf("file: read_darray %q: %w", v.Name, err)
	}
	return nil
}

// fillFromBackend is deliverWrite's read-side mirror: the I/O root performs
// every GetVara and relays each non-root I/O task's own regions back to it.
func fillFromBackend(sys *iosystem.IOSystem, f *File, v *VarDesc, d *iodesc.Decomposition, iobuf []byte) error {
	elemSize := v.ElemType.ByteSize()
	if sys.IO.Rank() != 0 {
		if err := sys.IO.Send(d.Regions, 0, tagFileRelay); err != nil {
			return err
		}
		var payload []byte
		if err := sys.IO.Recv(&payload, 0, tagFileRelay); err != nil {
			return err
		}
		copy(iobuf, payload)
		return nil
	}
	if err := readRegions(f.back, v, d.Regions, iobuf, elemSize); err != nil {
		return err
	}
	for r := 1; r < sys.IO.Size(); r++ {
		var regions []iodesc.Region
		if err := sys.IO.Recv(&regions, r, tagFileRelay); err != nil {
			return fmt.Errorf("receiving region request from I/O rank %d: %w: %w", r, err, pioerrors.ErrCommFailed)
		}
		total := 0
		for _, reg := range regions {
			total += regionLen(reg.Count)
		}
		buf := make([]byte, total*elemSize)
		if err := readRegions(f.back, v, regions, buf, elemSize); err != nil {
			return err
		}
		if err := sys.IO.Send(buf, r, tagFileRelay); err != nil {
			return fmt.Errorf("relaying region data to I/O rank %d: %w: %w", r, err, pioerrors.ErrCommFailed)
		}
	}
	return nil
}

func readRegions(back *backend.File, v *VarDesc, regions []iodesc.Region, iobuf []byte, elemSize int) error {
	for _, reg := range regions {
		start, count := regionStartCount(v, reg)
		n := regionLen(reg.Count)
		data, err := back.GetVara(v.backendID, start, count, nil)
		if err != nil {
			return err
		}
		copy(iobuf[reg.LOffset*elemSize:(reg.LOffset+n)*elemSize], data)
	}
	return nil
}
