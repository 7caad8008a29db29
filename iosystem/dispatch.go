package iosystem

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	pioerrors "github.com/parallelio/pario/errors"
)

// MsgCode identifies which local primitive an async dispatch message
// invokes (spec.md §4.3). Handlers are registered by the caller (the
// top-level pario package, which owns the backend-facing primitives this
// package has no business knowing about) via Dispatcher.Handle.
type MsgCode int

const (
	MsgCreateFile MsgCode = iota
	MsgOpenFile
	MsgCloseFile
	MsgSyncFile
	MsgDefineDim
	MsgDefineVar
	MsgEndDef
	MsgSetRecord
	MsgAdvanceRecord
	MsgWriteDarray
	MsgWriteDarrayMulti
	MsgReadDarray
	MsgDecompInit
	MsgDecompFree
	MsgPutGlobalAttr
	MsgPutVarAttr
	MsgSetFillValue
	MsgExit
)

func (m MsgCode) String() string {
	names := [...]string{
		"CREATE", "OPEN", "CLOSE", "SYNC", "DEF_DIM", "DEF_VAR", "ENDDEF",
		"SET_RECORD", "ADVANCE_RECORD", "WRITE_DARRAY", "WRITE_DARRAY_MULTI",
		"READ_DARRAY", "DECOMP_INIT", "DECOMP_FREE", "PUT_GLOBAL_ATTR",
		"PUT_VAR_ATTR", "SET_FILL_VALUE", "EXIT",
	}
	if int(m) < 0 || int(m) >= len(names) {
		return fmt.Sprintf("MsgCode(%d)", int(m))
	}
	return names[m]
}

// msgTag is the reserved union-communicator tag the dispatch loop's initial
// MsgCode receive/send always uses, distinct from any tag a decomposition's
// swapm exchange or a collective might pick.
const msgTag = -100

// argTag is the tag the canonical argument broadcast (see DispatchArgs/
// ReceiveArgs) uses, on the union communicator, once a message code has
// been delivered.
const argTag = -101

// Handler executes one dispatched message's local primitive on an I/O task.
// It receives the already-IOSystem-scoped sys so it can read the union
// communicator to pull its arguments via ReceiveArgs.
type Handler func(sys *IOSystem) error

// Dispatcher holds the message-code-to-handler table the I/O loop consults.
// It is built once by the top-level package and passed to Run.
type Dispatcher struct {
	handlers map[MsgCode]Handler
}

// NewDispatcher returns an empty dispatcher; register handlers with Handle.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[MsgCode]Handler)}
}

// Handle registers the local primitive to run when code is dispatched.
func (d *Dispatcher) Handle(code MsgCode, h Handler) {
	d.handlers[code] = h
}

// Run is the I/O task's dispatch loop (spec.md §4.3): AWAIT_MSG → DISPATCH →
// EXECUTE → AWAIT_MSG, terminal EXITED on MsgExit. A compute master's
// SendMsgCode only ever addresses the I/O root (SendAny has one destination,
// not a broadcast), so the I/O root alone does the RecvAny and then relays
// the code to the rest of its I/O group over sys.IO — every handler this
// dispatcher runs executes identically on every I/O task, exactly as the
// primitives it wraps (file.Create, iodesc.Box/Subset, ...) already require
// being called collectively by the whole I/O group. An unregistered code is
// a protocol error.
func (d *Dispatcher) Run(sys *IOSystem) error {
	if !sys.IAmIOTask {
		return fmt.Errorf("iosystem: Run called on a non-I/O task")
	}
	for {
		var code MsgCode
		if sys.IO.Rank() == 0 {
			if _, err := sys.Union.RecvAny(&code, msgTag); err != nil {
				return fmt.Errorf("iosystem: dispatch recv failed: %w: %w", err, pioerrors.ErrCommFailed)
			}
			if err := sys.IO.Bcast(&code, 0); err != nil {
				return fmt.Errorf("iosystem: relaying dispatch code to I/O group: %w: %w", err, pioerrors.ErrCommFailed)
			}
		} else {
			if err := sys.IO.Bcast(&code, 0); err != nil {
				return fmt.Errorf("iosystem: receiving relayed dispatch code: %w: %w", err, pioerrors.ErrCommFailed)
			}
		}
		if code == MsgExit {
			return nil
		}
		h, ok := d.handlers[code]
		if !ok {
			return fmt.Errorf("iosystem: dispatch message code %v: %w", code, pioerrors.ErrUnknownMessage)
		}
		if err := h(sys); err != nil {
			return err
		}
	}
}

// SendMsgCode is the compute-master half of dispatch step 1 (spec.md §4.3):
// if the IOSystem is async and this process is not an I/O task, the
// compute-master rank sends code to the I/O root on the union communicator.
// Non-master compute ranks are no-ops here; they participate only in the
// argument broadcast that follows (see DispatchArgs).
func SendMsgCode(sys *IOSystem, code MsgCode) error {
	if !sys.Async || sys.IAmIOTask {
		return nil
	}
	if sys.CompMaster != mpiRoot {
		return nil
	}
	return sys.Union.SendAny(code, sys.IORoot, msgTag)
}

// Exit sends MsgExit to the I/O root, the signal that breaks Run's
// loop. Called once per IOSystem, by the compute master, at teardown.
func Exit(sys *IOSystem) error {
	return SendMsgCode(sys, MsgExit)
}

// arg is one canonically-encoded broadcast argument (spec.md §4.3):
// integer scalars, variable-length buffers prefixed by length, and optional
// fields prefixed by a presence byte are all represented uniformly as
// Present+Bytes so the wire shape matches regardless of which kind it is.
type arg struct {
	Present bool
	Bytes   []byte
}

// encodeArgs canonically encodes values into the wire shape described at
// arg's declaration: each value present-prefixed so a nil stands in for a
// spec.md §4.3 "optional field" that was omitted.
func encodeArgs(values []interface{}) ([]arg, error) {
	encoded := make([]arg, len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		b, err := encodeArg(v)
		if err != nil {
			return nil, fmt.Errorf("iosystem: encoding arg %d: %w", i, err)
		}
		encoded[i] = arg{Present: true, Bytes: b}
	}
	return encoded, nil
}

// DispatchArgs is the compute-side half of dispatch step 1's argument
// exchange (spec.md §4.3): every compute task joins a broadcast over Compute
// whose root is the compute master (root 0, the rank every compute group is
// built with as its leader — see InitIntracomm/InitAsyncExplicit), which
// replaces each task's encoded arguments with the master's, so every compute
// task agrees the call has been made with these values; the master then relays that same encoded list on to
// the I/O root over Union. Non-master compute tasks' relay is a no-op.
func DispatchArgs(sys *IOSystem, values ...interface{}) error {
	encoded, err := encodeArgs(values)
	if err != nil {
		return err
	}
	const computeRoot = 0
	if err := sys.Compute.Bcast(&encoded, computeRoot); err != nil {
		return fmt.Errorf("iosystem: compute-internal arg broadcast: %w: %w", err, pioerrors.ErrCommFailed)
	}
	if sys.CompMaster != mpiRoot {
		return nil
	}
	if err := sys.Union.Send(encoded, sys.IORoot, argTag); err != nil {
		return fmt.Errorf("iosystem: relaying args to I/O root: %w: %w", err, pioerrors.ErrCommFailed)
	}
	return nil
}

// ReceiveArgs is the I/O-side half: it receives the broadcast argument list
// from the compute master (identified by CompRoot, in union coordinates)
// and decodes each present one into dests[i], which must be a pointer. As
// with Run, only the I/O root actually talks to the compute master; it
// relays the encoded list to the rest of the I/O group over sys.IO so every
// I/O task decodes the identical arguments.
func ReceiveArgs(sys *IOSystem, dests ...interface{}) error {
	var encoded []arg
	if sys.IO.Rank() == 0 {
		if err := sys.Union.Recv(&encoded, sys.CompRoot, argTag); err != nil {
			return fmt.Errorf("iosystem: receiving args: %w: %w", err, pioerrors.ErrCommFailed)
		}
		if err := sys.IO.Bcast(&encoded, 0); err != nil {
			return fmt.Errorf("iosystem: relaying args to I/O group: %w: %w", err, pioerrors.ErrCommFailed)
		}
	} else {
		if err := sys.IO.Bcast(&encoded, 0); err != nil {
			return fmt.Errorf("iosystem: receiving relayed args: %w: %w", err, pioerrors.ErrCommFailed)
		}
	}
	if len(encoded) != len(dests) {
		return fmt.Errorf("iosystem: arg count mismatch: got %d, want %d", len(encoded), len(dests))
	}
	for i, e := range encoded {
		if !e.Present {
			continue
		}
		if err := decodeArg(e.Bytes, dests[i]); err != nil {
			return fmt.Errorf("iosystem: decoding arg %d: %w", i, err)
		}
	}
	return nil
}

// RunAll runs one dispatch loop per IOSystem concurrently. An I/O task holds
// one IOSystem per async component it serves (InitAsyncExplicit), each with
// its own Union communicator and tag namespace, so the loops never cross
// streams; RunAll exits once every component has dispatched its EXIT.
func RunAll(d *Dispatcher, systems []*IOSystem) error {
	g, _ := errgroup.WithContext(context.Background())
	for _, sys := range systems {
		sys := sys
		g.Go(func() error { return d.Run(sys) })
	}
	return g.Wait()
}
