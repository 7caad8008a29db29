package pario

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parallelio/pario/backend"
	pioerrors "github.com/parallelio/pario/errors"
	"github.com/parallelio/pario/file"
	"github.com/parallelio/pario/internal/mpi"
	"github.com/parallelio/pario/iodesc"
	"github.com/parallelio/pario/iosystem"
)

// joinSingleProcess builds a one-member World. internal/mpi.Join needs no
// real peer coordination when size == 1 (its accept/dial loops have nothing
// left to do), so this runs with no external process and no goroutine
// fan-out — the same entry point a multi-process deployment uses, just with
// a world of one.
func joinSingleProcess(t *testing.T) *mpi.World {
	t.Helper()
	world, err := Join("tcp", ":0", []string{":0"}, "", 5*time.Second)
	require.NoError(t, err)
	return world
}

func TestLinearBoxRearrangerRoundTrip(t *testing.T) {
	world := joinSingleProcess(t)

	sysID, err := IOSystemInitIntracomm(world, 1, 1, 0, iosystem.Box)
	require.NoError(t, err)

	const n = 8
	userMap := make([]int, n)
	for i := range userMap {
		userMap[i] = i + 1 // 1-based, contiguous, no holes
	}
	decompID, err := DecompInit(sysID, iodesc.Int64, []int{n}, userMap, iosystem.Box, BoxOptions{})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "box.bin")
	fileID, err := FileCreate(sysID, path, file.ClassicSerial)
	require.NoError(t, err)

	dimID, err := DefineDim(fileID, "x", n)
	require.NoError(t, err)
	varID, err := DefineVar(fileID, "v", iodesc.Int64, []backend.DimID{dimID}, false)
	require.NoError(t, err)
	require.NoError(t, EndDef(fileID, 0))

	data := make([]byte, n*8)
	for i := 0; i < n; i++ {
		putInt64(data[i*8:], int64(i*10))
	}
	require.NoError(t, WriteDarray(fileID, varID, decompID, 0, data, nil))
	require.NoError(t, FileClose(fileID))

	fileID, err = FileOpen(sysID, path, file.ClassicSerial, false)
	require.NoError(t, err)
	back := make([]byte, n*8)
	require.NoError(t, ReadDarray(fileID, varID, decompID, 0, back))
	require.Equal(t, data, back)
	require.NoError(t, FileClose(fileID))

	require.NoError(t, DecompFree(decompID))
	require.NoError(t, IOSystemFree(sysID))
}

func TestDuplicateMapMarksDecompositionReadOnly(t *testing.T) {
	world := joinSingleProcess(t)

	sysID, err := IOSystemInitIntracomm(world, 1, 1, 0, iosystem.Box)
	require.NoError(t, err)
	// write_darray's rejection below must come back as an error, not abort
	// the process the way the default InternalAbort policy would.
	require.NoError(t, SetErrorHandler(sysID, pioerrors.Return))

	userMap := []int{1, 1, 2, 3} // index 0 mapped twice: a fan-out read pattern
	decompID, err := DecompInit(sysID, iodesc.Int32, []int{4}, userMap, iosystem.Box, BoxOptions{})
	require.NoError(t, err)

	fileID, err := FileCreate(sysID, filepath.Join(t.TempDir(), "dup.bin"), file.ClassicSerial)
	require.NoError(t, err)
	dimID, err := DefineDim(fileID, "x", 4)
	require.NoError(t, err)
	varID, err := DefineVar(fileID, "v", iodesc.Int32, []backend.DimID{dimID}, false)
	require.NoError(t, err)
	require.NoError(t, EndDef(fileID, 0))

	err = WriteDarray(fileID, varID, decompID, 0, make([]byte, 4*4), nil)
	require.Error(t, err, "write_darray on a read-only (duplicate-map) decomposition must be rejected")

	require.NoError(t, FileClose(fileID))
	require.NoError(t, DecompFree(decompID))
	require.NoError(t, IOSystemFree(sysID))
}

func putInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
}
