package pario

import (
	"fmt"

	"github.com/parallelio/pario/backend"
	"github.com/parallelio/pario/file"
	"github.com/parallelio/pario/iodesc"
	"github.com/parallelio/pario/iosystem"
)

// resultTag is the reserved union-communicator tag the I/O root uses to
// report an async call's outcome back to the compute master, once every I/O
// task has run the dispatched handler (spec.md §4.3).
const resultTag = -102

// asyncResult is what the I/O root sends back: either a handle/id this call
// produced (file_create, file_open, define_dim, define_var all hand a fresh
// int back to the caller) or an error message. decomp_init never sends one
// (see handleDecompInit). A call with no id to
// report (write_darray, sync, ...) just leaves ID zero.
type asyncResult struct {
	ID     int
	ErrMsg string
}

// sendAsyncResult is the I/O-side tail of every handler: only the I/O root
// talks back to the compute master, exactly as only the I/O root receives
// the dispatched code/args in the first place (iosystem.Dispatcher.Run,
// iosystem.ReceiveArgs).
func sendAsyncResult(sys *iosystem.IOSystem, id int, err error) error {
	err = applyErrorPolicy(sys, scopeIO, "pario: async dispatch", err)
	if sys.IO.Rank() != 0 {
		return nil
	}
	res := asyncResult{ID: id}
	if err != nil {
		res.ErrMsg = err.Error()
	}
	return sys.Union.Send(res, sys.CompRoot, resultTag)
}

// asyncDispatch drives one round of the async protocol from the compute
// side (spec.md §4.3): every compute task sends code and its arguments
// toward the I/O group (SendMsgCode/DispatchArgs are no-ops on non-master
// compute tasks beyond the internal compute broadcast), then the compute
// master alone receives the I/O root's reported outcome and broadcasts it
// to the rest of the compute group, so every compute task returns from this
// call agreeing on the same id/error.
func asyncDispatch(sys *iosystem.IOSystem, code iosystem.MsgCode, values ...interface{}) (int, error) {
	if err := iosystem.SendMsgCode(sys, code); err != nil {
		return 0, fmt.Errorf("pario: dispatching %v: %w", code, err)
	}
	if err := iosystem.DispatchArgs(sys, values...); err != nil {
		return 0, fmt.Errorf("pario: dispatching %v args: %w", code, err)
	}
	var res asyncResult
	if sys.IAmCompMaster() {
		if err := sys.Union.Recv(&res, sys.IORoot, resultTag); err != nil {
			return 0, fmt.Errorf("pario: receiving %v result: %w", code, err)
		}
	}
	if err := sys.Compute.Bcast(&res, 0); err != nil {
		return 0, fmt.Errorf("pario: broadcasting %v result: %w", code, err)
	}
	var resErr error
	if res.ErrMsg != "" {
		resErr = fmt.Errorf("pario: async %v: %s", code, res.ErrMsg)
	}
	if err := applyErrorPolicy(sys, scopeCompute, fmt.Sprintf("pario: async %v", code), resErr); err != nil {
		return 0, err
	}
	return res.ID, nil
}

// NewDispatcher builds the Dispatcher every I/O task in an async IOSystem
// runs (iosystem.Dispatcher.Run), wiring each MsgCode to the local
// primitive it invokes once ReceiveArgs has delivered identical arguments
// to the whole I/O group.
func NewDispatcher() *iosystem.Dispatcher {
	d := iosystem.NewDispatcher()
	d.Handle(iosystem.MsgCreateFile, handleCreateFile)
	d.Handle(iosystem.MsgOpenFile, handleOpenFile)
	d.Handle(iosystem.MsgCloseFile, handleCloseFile)
	d.Handle(iosystem.MsgSyncFile, handleSyncFile)
	d.Handle(iosystem.MsgDefineDim, handleDefineDim)
	d.Handle(iosystem.MsgDefineVar, handleDefineVar)
	d.Handle(iosystem.MsgEndDef, handleEndDef)
	d.Handle(iosystem.MsgSetRecord, handleSetRecord)
	d.Handle(iosystem.MsgAdvanceRecord, handleAdvanceRecord)
	d.Handle(iosystem.MsgDecompInit, handleDecompInit)
	d.Handle(iosystem.MsgDecompFree, handleDecompFree)
	d.Handle(iosystem.MsgPutGlobalAttr, handlePutGlobalAttr)
	d.Handle(iosystem.MsgPutVarAttr, handlePutVarAttr)
	d.Handle(iosystem.MsgSetFillValue, handleSetFillValue)
	return d
}

func handleSetFillValue(sys *iosystem.IOSystem) error {
	var fileID, varID int
	var value []byte
	if err := iosystem.ReceiveArgs(sys, &fileID, &varID, &value); err != nil {
		return err
	}
	err := SetFillValue(fileID, varID, value)
	return sendAsyncResult(sys, 0, err)
}

func handlePutGlobalAttr(sys *iosystem.IOSystem) error {
	var fileID int
	var name, value string
	if err := iosystem.ReceiveArgs(sys, &fileID, &name, &value); err != nil {
		return err
	}
	err := PutGlobalAttr(fileID, name, value)
	return sendAsyncResult(sys, 0, err)
}

func handlePutVarAttr(sys *iosystem.IOSystem) error {
	var fileID, varID int
	var name, value string
	if err := iosystem.ReceiveArgs(sys, &fileID, &varID, &name, &value); err != nil {
		return err
	}
	err := PutVarAttr(fileID, varID, name, value)
	return sendAsyncResult(sys, 0, err)
}

func handleCreateFile(sys *iosystem.IOSystem) error {
	var path string
	var backendType file.BackendType
	if err := iosystem.ReceiveArgs(sys, &path, &backendType); err != nil {
		return err
	}
	f, err := file.Create(sys, path, backendType)
	var id int
	if err == nil {
		id, err = files.Add(f)
	}
	return sendAsyncResult(sys, id, err)
}

func handleOpenFile(sys *iosystem.IOSystem) error {
	var path string
	var backendType file.BackendType
	var writable bool
	if err := iosystem.ReceiveArgs(sys, &path, &backendType, &writable); err != nil {
		return err
	}
	f, err := file.Open(sys, path, backendType, writable)
	var id int
	if err == nil {
		id, err = files.Add(f)
	}
	return sendAsyncResult(sys, id, err)
}

func handleCloseFile(sys *iosystem.IOSystem) error {
	var fileID int
	if err := iosystem.ReceiveArgs(sys, &fileID); err != nil {
		return err
	}
	f, err := files.Get(fileID)
	if err == nil {
		err = f.Close()
		files.Remove(fileID)
	}
	return sendAsyncResult(sys, 0, err)
}

func handleSyncFile(sys *iosystem.IOSystem) error {
	var fileID int
	if err := iosystem.ReceiveArgs(sys, &fileID); err != nil {
		return err
	}
	f, err := files.Get(fileID)
	if err == nil {
		err = f.Sync()
	}
	return sendAsyncResult(sys, 0, err)
}

func handleDefineDim(sys *iosystem.IOSystem) error {
	var fileID int
	var name string
	var length int
	if err := iosystem.ReceiveArgs(sys, &fileID, &name, &length); err != nil {
		return err
	}
	f, err := files.Get(fileID)
	var id int
	if err == nil {
		var dimID backend.DimID
		dimID, err = f.DefineDim(name, length)
		id = int(dimID)
	}
	return sendAsyncResult(sys, id, err)
}

func handleDefineVar(sys *iosystem.IOSystem) error {
	var fileID int
	var name string
	var elemType iodesc.ElemType
	var dimIDs []backend.DimID
	var isRecordVar bool
	if err := iosystem.ReceiveArgs(sys, &fileID, &name, &elemType, &dimIDs, &isRecordVar); err != nil {
		return err
	}
	f, err := files.Get(fileID)
	var id int
	if err == nil {
		var vd *file.VarDesc
		vd, err = f.DefineVar(name, elemType, dimIDs, isRecordVar)
		if err == nil {
			id = vd.ID
		}
	}
	return sendAsyncResult(sys, id, err)
}

func handleEndDef(sys *iosystem.IOSystem) error {
	var fileID int
	var recordCapacity int
	if err := iosystem.ReceiveArgs(sys, &fileID, &recordCapacity); err != nil {
		return err
	}
	f, err := files.Get(fileID)
	if err == nil {
		err = f.EndDef(recordCapacity)
	}
	return sendAsyncResult(sys, 0, err)
}

func handleSetRecord(sys *iosystem.IOSystem) error {
	var fileID, varID, record int
	if err := iosystem.ReceiveArgs(sys, &fileID, &varID, &record); err != nil {
		return err
	}
	_, v, err := getVar(fileID, varID)
	if err == nil {
		err = v.SetRecord(record)
	}
	return sendAsyncResult(sys, 0, err)
}

func handleAdvanceRecord(sys *iosystem.IOSystem) error {
	var fileID, varID int
	if err := iosystem.ReceiveArgs(sys, &fileID, &varID); err != nil {
		return err
	}
	_, v, err := getVar(fileID, varID)
	if err == nil {
		err = v.AdvanceRecord()
	}
	return sendAsyncResult(sys, 0, err)
}

// handleDecompInit is decomp_init's I/O-side half (see DecompInit's doc
// comment): it runs concurrently with every compute task's own local call,
// rendezvousing with them inside iodesc.Box/Subset's own union sends and
// receives rather than via a reported result.
func handleDecompInit(sys *iosystem.IOSystem) error {
	var elemType iodesc.ElemType
	var globalDims []int
	var rearr iosystem.Rearranger
	var boxOpts BoxOptions
	if err := iosystem.ReceiveArgs(sys, &elemType, &globalDims, &rearr, &boxOpts); err != nil {
		return err
	}
	_, err := decompInitLocal(sys, elemType, globalDims, nil, rearr, boxOpts)
	return applyErrorPolicy(sys, scopeIO, "pario: decomp_init", err)
}

func handleDecompFree(sys *iosystem.IOSystem) error {
	var decompID int
	if err := iosystem.ReceiveArgs(sys, &decompID); err != nil {
		return err
	}
	err := DecompFree(decompID)
	return sendAsyncResult(sys, 0, err)
}
