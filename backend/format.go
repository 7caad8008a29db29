package backend

import "fmt"

// magic identifies the container format on disk; distinct from any
// recognized netCDF/HDF5 signature since this is its own minimal layout
// (spec.md §1 non-goal: no bit-for-bit netCDF/HDF5 fidelity).
const magic = "PARIOBIN"

const formatVersion uint32 = 1

type attrRec struct {
	Name  string
	Value string
}

type dimRec struct {
	Name   string
	Length uint64 // 0 marks the record (unlimited) dimension
}

type varRec struct {
	Name       string
	ElemSize   uint32
	DimIDs     []uint32
	Attrs      []attrRec
	DataOffset uint64
	DataLength uint64 // capacity in bytes; may exceed the live extent for a record var
}

type header struct {
	ArrayOrder  string
	NumRecords  uint64 // live extent of the record dimension, if any
	GlobalAttrs []attrRec
	Dims        []dimRec
	Vars        []varRec
}

func (h *header) encode(w *cursorWriter) error {
	if err := w.writeBytes([]byte(magic)); err != nil {
		return err
	}
	if err := w.writeUint32(formatVersion); err != nil {
		return err
	}
	if err := w.writeString(h.ArrayOrder); err != nil {
		return err
	}
	if err := w.writeUint64(h.NumRecords); err != nil {
		return err
	}
	if err := w.writeUint32(uint32(len(h.GlobalAttrs))); err != nil {
		return err
	}
	for _, a := range h.GlobalAttrs {
		if err := writeAttr(w, a); err != nil {
			return err
		}
	}
	if err := w.writeUint32(uint32(len(h.Dims))); err != nil {
		return err
	}
	for _, d := range h.Dims {
		if err := w.writeString(d.Name); err != nil {
			return err
		}
		if err := w.writeUint64(d.Length); err != nil {
			return err
		}
	}
	if err := w.writeUint32(uint32(len(h.Vars))); err != nil {
		return err
	}
	for _, v := range h.Vars {
		if err := w.writeString(v.Name); err != nil {
			return err
		}
		if err := w.writeUint32(v.ElemSize); err != nil {
			return err
		}
		if err := w.writeUint32(uint32(len(v.DimIDs))); err != nil {
			return err
		}
		for _, id := range v.DimIDs {
			if err := w.writeUint32(id); err != nil {
				return err
			}
		}
		if err := w.writeUint32(uint32(len(v.Attrs))); err != nil {
			return err
		}
		for _, a := range v.Attrs {
			if err := writeAttr(w, a); err != nil {
				return err
			}
		}
		if err := w.writeUint64(v.DataOffset); err != nil {
			return err
		}
		if err := w.writeUint64(v.DataLength); err != nil {
			return err
		}
	}
	return nil
}

func writeAttr(w *cursorWriter, a attrRec) error {
	if err := w.writeString(a.Name); err != nil {
		return err
	}
	return w.writeString(a.Value)
}

func decodeHeader(r *cursorReader) (*header, error) {
	magicBuf, err := r.readBytes(len(magic))
	if err != nil {
		return nil, err
	}
	if string(magicBuf) != magic {
		return nil, fmt.Errorf("backend: not a PARIO container file (bad magic)")
	}
	version, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if version != formatVersion {
		return nil, fmt.Errorf("backend: unsupported container format version %d", version)
	}
	h := &header{}
	if h.ArrayOrder, err = r.readString(); err != nil {
		return nil, err
	}
	if h.NumRecords, err = r.readUint64(); err != nil {
		return nil, err
	}
	nAttrs, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nAttrs; i++ {
		a, err := readAttr(r)
		if err != nil {
			return nil, err
		}
		h.GlobalAttrs = append(h.GlobalAttrs, a)
	}
	nDims, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nDims; i++ {
		name, err := r.readString()
		if err != nil {
			return nil, err
		}
		length, err := r.readUint64()
		if err != nil {
			return nil, err
		}
		h.Dims = append(h.Dims, dimRec{Name: name, Length: length})
	}
	nVars, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nVars; i++ {
		v := varRec{}
		if v.Name, err = r.readString(); err != nil {
			return nil, err
		}
		elemSize, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		v.ElemSize = elemSize
		nDimIDs, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < nDimIDs; j++ {
			id, err := r.readUint32()
			if err != nil {
				return nil, err
			}
			v.DimIDs = append(v.DimIDs, id)
		}
		nVarAttrs, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < nVarAttrs; j++ {
			a, err := readAttr(r)
			if err != nil {
				return nil, err
			}
			v.Attrs = append(v.Attrs, a)
		}
		if v.DataOffset, err = r.readUint64(); err != nil {
			return nil, err
		}
		if v.DataLength, err = r.readUint64(); err != nil {
			return nil, err
		}
		h.Vars = append(h.Vars, v)
	}
	return h, nil
}

func readAttr(r *cursorReader) (attrRec, error) {
	name, err := r.readString()
	if err != nil {
		return attrRec{}, err
	}
	value, err := r.readString()
	if err != nil {
		return attrRec{}, err
	}
	return attrRec{Name: name, Value: value}, nil
}

// headerSize returns how many bytes h.encode would write, by encoding into a
// throwaway in-memory sink; EndDef needs this to know where the data region
// starts before any variable's DataOffset can be assigned.
func headerSize(h *header) (int64, error) {
	sink := &countingWriterAt{}
	if err := h.encode(newCursorWriter(sink)); err != nil {
		return 0, err
	}
	return sink.max, nil
}

type countingWriterAt struct{ max int64 }

func (c *countingWriterAt) WriteAt(p []byte, off int64) (int, error) {
	if end := off + int64(len(p)); end > c.max {
		c.max = end
	}
	return len(p), nil
}
