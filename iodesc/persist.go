package iodesc

import (
	"encoding/binary"
	"fmt"

	"github.com/parallelio/pario/backend"
	"github.com/parallelio/pario/internal/mpi"
)

// tagPersistGather is the reserved Compute-communicator tag WriteNCDecomp's
// gather-to-root uses; distinct from normalize.go's tagMapStats.
const tagPersistGather = -90

// DecompMeta carries the free-form strings spec.md §6's on-disk format
// records alongside the decomposition's actual shape.
type DecompMeta struct {
	LibVersion, Title, History, Source, Backtrace string
}

// WriteNCDecomp persists d to path as the on-disk decomposition format
// (spec.md §6): version/max_maplen/title/history/source/backtrace/
// array_order attributes, dims/task/map_element dimensions, and
// global_size/maplen/map variables. Every member of compute must call this
// collectively; only compute-rank 0 touches the file, gathering every
// task's map first.
func WriteNCDecomp(path string, compute *mpi.Comm, d *Decomposition, meta DecompMeta) error {
	const root = 0
	if compute.Rank() != root {
		if err := compute.Send(d.Map, root, tagPersistGather); err != nil {
			return fmt.Errorf("iodesc: persist: sending map to root: %w", err)
		}
		return nil
	}

	numTasks := compute.Size()
	maps := make([][]int, numTasks)
	maps[root] = d.Map
	for c := 0; c < numTasks; c++ {
		if c == root {
			continue
		}
		var m []int
		if err := compute.Recv(&m, c, tagPersistGather); err != nil {
			return fmt.Errorf("iodesc: persist: receiving map from task %d: %w", c, err)
		}
		maps[c] = m
	}

	maxMaplen := 0
	for _, m := range maps {
		if len(m) > maxMaplen {
			maxMaplen = len(m)
		}
	}

	f, err := backend.Create(path, "C", false)
	if err != nil {
		return fmt.Errorf("iodesc: persist: %w", err)
	}
	for _, a := range [][2]string{
		{"version", meta.LibVersion},
		{"title", meta.Title},
		{"history", meta.History},
		{"source", meta.Source},
		{"backtrace", meta.Backtrace},
		{"max_maplen", fmt.Sprintf("%d", maxMaplen)},
	} {
		if err := f.PutGlobalAttr(a[0], a[1]); err != nil {
			return err
		}
	}

	dimsID, err := f.DefineDim("dims", d.NDims)
	if err != nil {
		return err
	}
	taskID, err := f.DefineDim("task", numTasks)
	if err != nil {
		return err
	}
	mapElemID, err := f.DefineDim("map_element", maxMaplen)
	if err != nil {
		return err
	}
	globalSizeVar, err := f.DefineVar("global_size", 8, []backend.DimID{dimsID})
	if err != nil {
		return err
	}
	maplenVar, err := f.DefineVar("maplen", 8, []backend.DimID{taskID})
	if err != nil {
		return err
	}
	mapVar, err := f.DefineVar("map", 8, []backend.DimID{taskID, mapElemID})
	if err != nil {
		return err
	}
	if err := f.EndDef(0); err != nil {
		return fmt.Errorf("iodesc: persist: enddef: %w", err)
	}

	gs := make([]byte, d.NDims*8)
	for i, v := range d.GlobalDims {
		binary.LittleEndian.PutUint64(gs[i*8:], uint64(v))
	}
	if err := f.PutVara(globalSizeVar, []int{0}, []int{d.NDims}, nil, gs); err != nil {
		return err
	}

	maplenBytes := make([]byte, numTasks*8)
	for c, m := range maps {
		binary.LittleEndian.PutUint64(maplenBytes[c*8:], uint64(len(m)))
	}
	if err := f.PutVara(maplenVar, []int{0}, []int{numTasks}, nil, maplenBytes); err != nil {
		return err
	}

	mapBytes := make([]byte, numTasks*maxMaplen*8) // zero-valued, i.e. right-padded with 0 already
	for c, m := range maps {
		for i, v := range m {
			binary.LittleEndian.PutUint64(mapBytes[(c*maxMaplen+i)*8:], uint64(v))
		}
	}
	if err := f.PutVara(mapVar, []int{0, 0}, []int{numTasks, maxMaplen}, nil, mapBytes); err != nil {
		return err
	}
	return f.Close()
}

// ReadNCDecomp reads path back (spec.md §8 "decomposition persistence" seed
// scenario) and normalizes rank-local compute's own row of the stored map
// table into a fresh Decomposition, without its rearranger plan built yet —
// call Box or Subset against the returned value next, exactly as after
// Normalize.
func ReadNCDecomp(path string, compute *mpi.Comm, elemType ElemType) (*Decomposition, error) {
	f, err := backend.Open(path, false)
	if err != nil {
		return nil, fmt.Errorf("iodesc: persist: %w", err)
	}
	defer f.Close()

	globalSizeVar, ok := f.VarByName("global_size")
	if !ok {
		return nil, fmt.Errorf("iodesc: persist: %s: missing global_size variable", path)
	}
	maplenVar, ok := f.VarByName("maplen")
	if !ok {
		return nil, fmt.Errorf("iodesc: persist: %s: missing maplen variable", path)
	}
	mapVar, ok := f.VarByName("map")
	if !ok {
		return nil, fmt.Errorf("iodesc: persist: %s: missing map variable", path)
	}

	ndims := f.VarShape(globalSizeVar)[0]
	gsBytes, err := f.GetVara(globalSizeVar, []int{0}, []int{ndims}, nil)
	if err != nil {
		return nil, err
	}
	globalDims := make([]int, ndims)
	for i := range globalDims {
		globalDims[i] = int(binary.LittleEndian.Uint64(gsBytes[i*8:]))
	}

	numTasks := f.VarShape(maplenVar)[0]
	myRank := compute.Rank()
	if myRank < 0 || myRank >= numTasks {
		return nil, fmt.Errorf("iodesc: persist: %s was written by %d tasks, this compute comm has rank %d", path, numTasks, myRank)
	}
	maplenBytes, err := f.GetVara(maplenVar, []int{myRank}, []int{1}, nil)
	if err != nil {
		return nil, err
	}
	myMaplen := int(binary.LittleEndian.Uint64(maplenBytes))

	maxMaplen := f.VarShape(mapVar)[1]
	mapBytes, err := f.GetVara(mapVar, []int{myRank, 0}, []int{1, maxMaplen}, nil)
	if err != nil {
		return nil, err
	}
	myMap := make([]int, myMaplen)
	for i := range myMap {
		myMap[i] = int(binary.LittleEndian.Uint64(mapBytes[i*8:]))
	}

	return Normalize(compute, elemType, globalDims, myMap)
}
