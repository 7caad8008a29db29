package iodesc

import (
	"fmt"

	pioerrors "github.com/parallelio/pario/errors"
	"github.com/parallelio/pario/internal/mpi"
	"github.com/parallelio/pario/iosystem"
)

// tagSwapmData is the reserved Union tag the flow-controlled exchange uses
// for payload transfer, distinct from the one-time plan-exchange tags
// (tagBoxOffsets, tagSubsetGather) and from iosystem's msgTag/argTag range.
const tagSwapmData = -80

// tagSwapmHandshake is the reserved tag a receiver's go-ahead uses when
// FCOptions.Handshake is set (spec.md §4.8): the sender waits for it before
// posting its send, so a slow receiver never forces the sender to buffer an
// unbounded number of in-flight messages.
const tagSwapmHandshake = -81

// Direction selects which way a SwapM call moves data, since the counts,
// ranks and index lists it reuses from the decomposition's rearranger plan
// are symmetric but not identical for the two directions.
type Direction int

const (
	// ComputeToIO scatters a compute task's local buffer out to I/O tasks
	// (spec.md §4.8, the write-side exchange): sends use SendCounts/
	// SendRanks/SIndex, receives use RecvCounts/RecvRanks/RIndex.
	ComputeToIO Direction = iota
	// IOToCompute gathers an I/O task's buffer back to compute tasks (the
	// read-side exchange): the same plan is walked with sender and receiver
	// roles swapped.
	IOToCompute
)

// SwapM runs the flow-controlled exchange (spec.md §4.8) that moves element
// data between a compute task's local buffer and an I/O task's I/O buffer,
// following the send/recv counts and index lists d's rearranger (Box or
// Subset) already computed. local is this task's local buffer in map order
// (len == d.MapLen*elemSize on a compute task contributing to d, 0
// elsewhere); iobuf is this task's I/O-side buffer in ascending-global-offset
// order (len == d.LLen*elemSize on an I/O task, 0 elsewhere). elemSize is the
// wire width of one element; data travels as opaque byte slices so SwapM
// itself never needs to know the element type.
//
// Each direction's FCOptions (d.RearrOpts.C2I or .I2C) governs the loop
// discipline: with Handshake set, a receiver signals readiness before the
// sender posts any payload, so the sender never queues more in-flight
// messages than the receiver has promised buffer space for; MaxPending caps
// how many of the sender's Isends are outstanding at once, replenished via
// Waitany exactly as spec.md §4.8 describes ("post up to max_pending, then
// Waitany and replenish").
func SwapM(sys *iosystem.IOSystem, d *Decomposition, dir Direction, local, iobuf []byte, elemSize int) error {
	var opts iosystem.FCOptions
	var sendCounts, recvCounts, sendRanks, recvRanks, sIndex, rIndex []int
	var sendBuf, recvBuf []byte
	switch dir {
	case ComputeToIO:
		opts = d.RearrOpts.C2I
		sendCounts, sendRanks, sIndex = d.SendCounts, d.SendRanks, d.SIndex
		recvCounts, recvRanks, rIndex = d.RecvCounts, d.RecvRanks, d.RIndex
		sendBuf, recvBuf = local, iobuf
	case IOToCompute:
		opts = d.RearrOpts.I2C
		sendCounts, sendRanks, sIndex = d.RecvCounts, d.RecvRanks, d.RIndex
		recvCounts, recvRanks, rIndex = d.SendCounts, d.SendRanks, d.SIndex
		sendBuf, recvBuf = iobuf, local
	default:
		return fmt.Errorf("iodesc: swapm: unknown direction %d", dir)
	}

	var sendIdx []int
	for i, n := range sendCounts {
		if n > 0 {
			sendIdx = append(sendIdx, i)
		}
	}
	var recvIdx []int
	for i, n := range recvCounts {
		if n > 0 {
			recvIdx = append(recvIdx, i)
		}
	}

	outgoing := make([][]byte, len(sendCounts))
	cursor := 0
	for _, i := range sendIdx {
		n := sendCounts[i]
		buf := make([]byte, n*elemSize)
		for j := 0; j < n; j++ {
			pos := sIndex[cursor+j]
			copy(buf[j*elemSize:(j+1)*elemSize], sendBuf[pos*elemSize:(pos+1)*elemSize])
		}
		outgoing[i] = buf
		cursor += n
	}
	if opts.Handshake {
		for _, i := range recvIdx {
			if err := sys.Union.Send(struct{}{}, recvRanks[i], tagSwapmHandshake); err != nil {
				return fmt.Errorf("iodesc: swapm handshake signal to rank %d: %w: %w", recvRanks[i], err, pioerrors.ErrCommFailed)
			}
		}
		for _, i := range sendIdx {
			var empty struct{}
			if err := sys.Union.Recv(&empty, sendRanks[i], tagSwapmHandshake); err != nil {
				return fmt.Errorf("iodesc: swapm handshake wait from rank %d: %w: %w", sendRanks[i], err, pioerrors.ErrCommFailed)
			}
		}
	}

	recvSlots := make([][]byte, len(recvCounts))
	var recvReqs []*mpi.Request
	for _, i := range recvIdx {
		recvSlots[i] = make([]byte, recvCounts[i]*elemSize)
		recvReqs = append(recvReqs, sys.Union.Irecv(&recvSlots[i], recvRanks[i], tagSwapmData))
	}

	if opts.ISend {
		maxPending := opts.MaxPending
		if maxPending < 1 {
			maxPending = len(sendIdx)
		}
		var outstanding []*mpi.Request
		next := 0
		post := func() {
			for len(outstanding) < maxPending && next < len(sendIdx) {
				i := sendIdx[next]
				outstanding = append(outstanding, sys.Union.Isend(outgoing[i], sendRanks[i], tagSwapmData))
				next++
			}
		}
		post()
		for len(outstanding) > 0 {
			idx, err := mpi.Waitany(outstanding)
			if err != nil {
				return fmt.Errorf("iodesc: swapm send wait: %w: %w", err, pioerrors.ErrCommFailed)
			}
			outstanding = append(outstanding[:idx], outstanding[idx+1:]...)
			post()
		}
	} else {
		for _, i := range sendIdx {
			if err := sys.Union.Send(outgoing[i], sendRanks[i], tagSwapmData); err != nil {
				return fmt.Errorf("iodesc: swapm blocking send to rank %d: %w: %w", sendRanks[i], err, pioerrors.ErrCommFailed)
			}
		}
	}

	for _, req := range recvReqs {
		if err := req.Wait(); err != nil {
			return fmt.Errorf("iodesc: swapm recv: %w: %w", err, pioerrors.ErrCommFailed)
		}
	}
	cursor = 0
	for i, n := range recvCounts {
		if n == 0 {
			continue
		}
		buf := recvSlots[i]
		for j := 0; j < n; j++ {
			pos := rIndex[cursor+j]
			copy(recvBuf[pos*elemSize:(pos+1)*elemSize], buf[j*elemSize:(j+1)*elemSize])
		}
		cursor += n
	}
	return nil
}
