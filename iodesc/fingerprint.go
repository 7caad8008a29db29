package iodesc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/spaolacci/murmur3"

	pioerrors "github.com/parallelio/pario/errors"
	"github.com/parallelio/pario/iosystem"
)

// fingerprintSeed is arbitrary but fixed, so the same plan always hashes to
// the same value across processes and across runs.
const fingerprintSeed uint32 = 0x50415249 // "PARI", ASCII hex digits

// ComputeFingerprint hashes the parts of a rearranger plan every member —
// compute or I/O — must agree on: global dims, element type, rearranger
// kind, and participating I/O task count. Deliberately excludes any
// per-rank shape (a compute task's SendCounts and an I/O task's RecvCounts
// are never the same slice, by construction), since the whole point is a
// value VerifyFingerprint can broadcast from one rank and compare bit for
// bit against every other rank's own locally computed one.
func ComputeFingerprint(d *Decomposition) uint32 {
	var buf bytes.Buffer
	writeInt := func(v int) { binary.Write(&buf, binary.LittleEndian, int64(v)) }
	writeInt(int(d.ElemType))
	writeInt(d.NDims)
	for _, v := range d.GlobalDims {
		writeInt(v)
	}
	writeInt(int(d.Rearranger))
	writeInt(d.NumIOTasks)
	return murmur3.Sum32WithSeed(buf.Bytes(), fingerprintSeed)
}

// SetFingerprint computes and stores d's fingerprint; called once the
// rearranger plan (Box or Subset) has fully populated d.
func SetFingerprint(d *Decomposition) {
	d.fingerprint = ComputeFingerprint(d)
}

// VerifyFingerprint broadcasts the I/O root's rearranger-plan fingerprint
// over sys.Union and compares it against every other member's own, already
// locally computed d.fingerprint, catching a compute/I/O plan disagreement
// as the spec.md §7 kind-6 protocol error: d was supposed to be built from
// identical arguments on every task (iosystem.DispatchArgs/ReceiveArgs
// relay decomp_init's arguments collectively for exactly this reason), so a
// mismatch means that invariant was somehow broken rather than that the
// plans legitimately differ.
func VerifyFingerprint(sys *iosystem.IOSystem, d *Decomposition) error {
	fp := d.fingerprint
	if err := sys.Union.Bcast(&fp, sys.IORoot); err != nil {
		return fmt.Errorf("iodesc: broadcasting rearranger fingerprint: %w: %w", err, pioerrors.ErrCommFailed)
	}
	if fp != d.fingerprint {
		return fmt.Errorf("iodesc: rearranger fingerprint %d from I/O root does not match local fingerprint %d: %w",
			fp, d.fingerprint, pioerrors.ErrRearrangerMismatch)
	}
	return nil
}
