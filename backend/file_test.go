package backend

import (
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestCreateDefineWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "round-trip.bin")

	f, err := Create(path, "C", false)
	require.NoError(t, err)

	xDim, err := f.DefineDim("x", 4)
	require.NoError(t, err)
	yDim, err := f.DefineDim("y", 3)
	require.NoError(t, err)

	v, err := f.DefineVar("temperature", 8, []DimID{xDim, yDim})
	require.NoError(t, err)
	require.NoError(t, f.PutGlobalAttr("title", "test file"))
	require.NoError(t, f.PutVarAttr(v, "units", "kelvin"))

	require.NoError(t, f.EndDef(0))

	data := make([]byte, 4*3*8)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, f.PutVara(v, []int{0, 0}, []int{4, 3}, nil, data))
	require.NoError(t, f.Close())

	reopened, err := Open(path, false)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, 2, reopened.NumDims())
	require.Equal(t, 1, reopened.NumVars())

	got, err := reopened.GetVara(v, []int{0, 0}, []int{4, 3}, nil)
	require.NoError(t, err)
	require.Equal(t, data, got)

	attr, ok := reopened.GlobalAttr("title")
	require.True(t, ok)
	require.Equal(t, "test file", attr)
}

func TestPutVaraRejectsDefineMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "define-mode.bin")
	f, err := Create(path, "C", false)
	require.NoError(t, err)
	defer f.Close()

	xDim, err := f.DefineDim("x", 2)
	require.NoError(t, err)
	v, err := f.DefineVar("v", 8, []DimID{xDim})
	require.NoError(t, err)

	err = f.PutVara(v, []int{0}, []int{2}, nil, make([]byte, 16))
	require.Error(t, err)
}

func TestPutVaraGetVaraFloat64RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "floats.bin")
	f, err := Create(path, "C", false)
	require.NoError(t, err)
	defer f.Close()

	xDim, err := f.DefineDim("x", 5)
	require.NoError(t, err)
	v, err := f.DefineVar("samples", 8, []DimID{xDim})
	require.NoError(t, err)
	require.NoError(t, f.EndDef(0))

	want := []float64{1.5, -2.25, 0, 3.125, 100.0}
	data := make([]byte, len(want)*8)
	for i, x := range want {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(x))
	}
	require.NoError(t, f.PutVara(v, []int{0}, []int{len(want)}, nil, data))

	raw, err := f.GetVara(v, []int{0}, []int{len(want)}, nil)
	require.NoError(t, err)

	got := make([]float64, len(want))
	for i := range got {
		got[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	require.True(t, floats.Equal(want, got), "round-tripped samples %v, want %v", got, want)
}

func TestDefineDimRejectsSecondRecordDimension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record-dim.bin")
	f, err := Create(path, "C", false)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.DefineDim("time", 0)
	require.NoError(t, err)

	_, err = f.DefineDim("time2", 0)
	require.Error(t, err)
}
