// Package backend implements the minimal self-describing container file
// format PARIO writes to (spec.md §6): a dims/vars/attrs header followed by
// one contiguous data region per variable.
package backend

import (
	"encoding/binary"
	"fmt"
	"io"
)

// order is the container's fixed byte order; unlike the reference HDF5
// container this format's offset/length widths never vary, so there is no
// per-file config to carry around.
var order = binary.LittleEndian

// cursorWriter is a position-tracking wrapper over an io.WriterAt, the same
// shape as a seekable writer built on os.File, so the header and every
// variable's data region can be addressed independently without an
// intervening Seek call.
type cursorWriter struct {
	w   io.WriterAt
	pos int64
}

func newCursorWriter(w io.WriterAt) *cursorWriter { return &cursorWriter{w: w} }

func (c *cursorWriter) At(pos int64) *cursorWriter { return &cursorWriter{w: c.w, pos: pos} }

func (c *cursorWriter) Pos() int64 { return c.pos }

func (c *cursorWriter) writeBytes(b []byte) error {
	n, err := c.w.WriteAt(b, c.pos)
	c.pos += int64(n)
	return err
}

func (c *cursorWriter) writeUint32(v uint32) error {
	buf := make([]byte, 4)
	order.PutUint32(buf, v)
	return c.writeBytes(buf)
}

func (c *cursorWriter) writeUint64(v uint64) error {
	buf := make([]byte, 8)
	order.PutUint64(buf, v)
	return c.writeBytes(buf)
}

func (c *cursorWriter) writeString(s string) error {
	if err := c.writeUint32(uint32(len(s))); err != nil {
		return err
	}
	return c.writeBytes([]byte(s))
}

// cursorReader is cursorWriter's read-side counterpart over an io.ReaderAt.
type cursorReader struct {
	r   io.ReaderAt
	pos int64
}

func newCursorReader(r io.ReaderAt) *cursorReader { return &cursorReader{r: r} }

func (c *cursorReader) At(pos int64) *cursorReader { return &cursorReader{r: c.r, pos: pos} }

func (c *cursorReader) Pos() int64 { return c.pos }

func (c *cursorReader) readBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := c.r.ReadAt(buf, c.pos); err != nil {
		return nil, err
	}
	c.pos += int64(n)
	return buf, nil
}

func (c *cursorReader) readUint32() (uint32, error) {
	buf, err := c.readBytes(4)
	if err != nil {
		return 0, err
	}
	return order.Uint32(buf), nil
}

func (c *cursorReader) readUint64() (uint64, error) {
	buf, err := c.readBytes(8)
	if err != nil {
		return 0, err
	}
	return order.Uint64(buf), nil
}

func (c *cursorReader) readString() (string, error) {
	n, err := c.readUint32()
	if err != nil {
		return "", err
	}
	if n > 1<<24 {
		return "", fmt.Errorf("backend: implausible string length %d in header", n)
	}
	buf, err := c.readBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(buf), nil
}
