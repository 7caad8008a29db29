package mpi

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Group is an ordered list of world ranks; its position in the list is the
// rank a member holds within any Comm built from it.
type Group struct {
	worldRanks []int
}

// NewGroup returns a group over the given world ranks, in the given order.
func NewGroup(worldRanks []int) *Group {
	g := &Group{worldRanks: append([]int(nil), worldRanks...)}
	return g
}

// Size returns the number of members in the group.
func (g *Group) Size() int { return len(g.worldRanks) }

// WorldRank translates a group-local rank to its world rank.
func (g *Group) WorldRank(groupRank int) int { return g.worldRanks[groupRank] }

// Rank returns the group-local rank of the given world rank, or -1 if it is
// not a member.
func (g *Group) Rank(worldRank int) int {
	for i, r := range g.worldRanks {
		if r == worldRank {
			return i
		}
	}
	return -1
}

// Union returns the set-union of a and b, de-duplicated, sorted by world
// rank. This is used to build an IOSystem's union communicator from its
// compute and I/O groups.
func Union(a, b *Group) *Group {
	seen := make(map[int]bool)
	var ranks []int
	for _, r := range a.worldRanks {
		if !seen[r] {
			seen[r] = true
			ranks = append(ranks, r)
		}
	}
	for _, r := range b.worldRanks {
		if !seen[r] {
			seen[r] = true
			ranks = append(ranks, r)
		}
	}
	sort.Ints(ranks)
	return NewGroup(ranks)
}

// Comm is a communicator: a named view over a World restricted to (and
// ordering) the members of one Group. Every wire message a Comm sends is
// tagged with the Comm's id, so two communicators sharing the same World
// never see each other's traffic.
type Comm struct {
	world *World
	id    uint32
	group *Group
}

// WorldCommID is the id of the communicator spanning the entire World,
// reserved so every process can construct it identically without any
// collective exchange.
const WorldCommID uint32 = 1

// selfCommIDBase marks off the id range NewSelf derives from, so a rank's
// self-communicator never collides with WorldCommID or a childCommID result
// (childCommID's output is spread over the full uint32 range by its
// finalizer, but bit 31 set is reserved here and never produced by it because
// childCommID always clears it... see childCommID).
const selfCommIDBase uint32 = 1 << 31

// NewComm wraps group as a communicator over world under the explicit id.
// Every participating process must call NewComm with the same id and with
// groups that agree on membership and ordering — see WorldCommID, NewSelf,
// Dup and Split for the ways an id is obtained without requiring a
// process-local counter (which, assigned independently by each process,
// cannot be relied on to agree across processes that each construct their
// own Nth communicator in a different logical order).
func NewComm(world *World, group *Group, id uint32) *Comm {
	return &Comm{world: world, id: id, group: group}
}

// NewWorldComm returns the communicator over every rank in world, under the
// reserved WorldCommID.
func NewWorldComm(world *World) *Comm {
	ranks := make([]int, world.Size())
	for i := range ranks {
		ranks[i] = i
	}
	return NewComm(world, NewGroup(ranks), WorldCommID)
}

// Self returns a single-member communicator containing only this world
// rank, under an id derived from the rank so it never collides with another
// process's self-communicator or with a real multi-member Comm.
func Self(world *World) *Comm {
	id := selfCommIDBase | uint32(world.Rank())
	return NewComm(world, NewGroup([]int{world.Rank()}), id)
}

// childCommID deterministically derives a fresh communicator id from a
// parent id plus a discriminant (a Split color, or dupDiscriminant for Dup),
// so that every member of the child communicator arrives at the same id
// purely locally, without an extra round of communication beyond whatever
// already establishes the child's membership. Bit 31 is always cleared so
// the result never collides with a Self id.
func childCommID(parentID uint32, discriminant int) uint32 {
	h := uint64(parentID)*1000003 + uint64(uint32(discriminant))
	h ^= h >> 17
	h *= 0x9E3779B97F4A7C15
	id := uint32(h>>32) &^ selfCommIDBase
	if id == anyCommID || id == WorldCommID {
		id += 2
	}
	return id
}

// dupDiscriminant is the discriminant Dup uses; Split only ever passes
// non-negative colors (negative colors are the "excluded" sentinel), so this
// never collides with a real Split child's id for the same parent.
const dupDiscriminant = -1

// Dup returns a new communicator over the same group as parent, with a fresh
// tag namespace, mirroring MPI_Comm_dup. Every member of parent must call
// Dup.
func Dup(parent *Comm) *Comm {
	return DupAs(parent, dupDiscriminant)
}

// DupAs is Dup with an explicit discriminant, for callers that need more
// than one distinctly-tagged duplicate of the same parent (e.g. intracomm
// init duplicating one compute communicator into both its "compute" and
// "union" handles — two dups of the same parent that must not share a tag
// namespace, so each uses its own caller-chosen discriminant). Every member
// of parent must call DupAs with the same discriminant.
func DupAs(parent *Comm, discriminant int) *Comm {
	return NewCommFrom(parent, parent.group, discriminant)
}

// NewCommFrom builds a new communicator over group (which need not equal
// parent.group), with an id derived deterministically from parent's id and
// discriminant via the same scheme DupAs uses. Every process that ends up a
// member of group must call NewCommFrom with the same parent, group members/
// order and discriminant.
func NewCommFrom(parent *Comm, group *Group, discriminant int) *Comm {
	return NewComm(parent.world, group, childCommID(parent.id, discriminant))
}

// Rank returns this process's rank within the communicator, or -1 if this
// process is not a member.
func (c *Comm) Rank() int { return c.group.Rank(c.world.Rank()) }

// Size returns the number of members in the communicator.
func (c *Comm) Size() int { return c.group.Size() }

// Group returns the communicator's underlying group.
func (c *Comm) Group() *Group { return c.group }

// World returns the World this communicator is a view over, so a caller
// holding only a Comm can still construct sibling communicators (e.g. the
// union of two existing comms' groups) via NewComm.
func (c *Comm) World() *World { return c.world }

func (c *Comm) worldOf(commRank int) int { return c.group.WorldRank(commRank) }

// Send blocks until data has been gob-encoded and handed to the transport
// bound for comm-local rank dest under tag. {dest, tag} pairs must be
// distinct among concurrently outstanding sends from this rank, the same
// discipline the teacher's Mpi.Send documents.
func (c *Comm) Send(data interface{}, dest, tag int) error {
	b, err := encode(data)
	if err != nil {
		return err
	}
	return c.world.sendRaw(c.worldOf(dest), tagKey{CommID: c.id, Tag: tag}, b)
}

// Recv blocks until a message tagged tag has arrived from comm-local rank
// src, and decodes it into data.
func (c *Comm) Recv(data interface{}, src, tag int) error {
	b, err := c.world.recvRaw(c.worldOf(src), tagKey{CommID: c.id, Tag: tag})
	if err != nil {
		return err
	}
	return decodeInto(b, data)
}

// SendAny delivers data to comm-local rank dest under tag via the world's
// any-source mailbox (see World.SendAny), scoped to this comm's own id so it
// cannot be dequeued by another comm's RecvAny(tag) sharing the same world
// (e.g. one I/O task's several async-component Union comms).
func (c *Comm) SendAny(data interface{}, dest, tag int) error {
	return c.world.SendAny(c.worldOf(dest), c.id, tag, data)
}

// RecvAny blocks until any member of the communicator sends tagged tag via
// SendAny on this same comm, and returns that member's comm-local rank. This
// is the primitive the async dispatch loop's I/O root uses to wait on
// whichever compute master sends next (spec.md §4.3), since a plain Recv
// requires naming the source in advance.
func (c *Comm) RecvAny(data interface{}, tag int) (src int, err error) {
	worldSrc, err := c.world.RecvAny(c.id, tag, data)
	if err != nil {
		return -1, err
	}
	return c.group.Rank(worldSrc), nil
}

// Request is a handle to an outstanding non-blocking operation.
type Request struct {
	done chan error
	err  error
	ok   bool
}

// Wait blocks until the request completes and returns its error.
func (r *Request) Wait() error {
	if !r.ok {
		r.err = <-r.done
		r.ok = true
	}
	return r.err
}

// TryWait reports whether the request has completed, without blocking; if
// so, done is true and err holds its result.
func (r *Request) TryWait() (done bool, err error) {
	if r.ok {
		return true, r.err
	}
	select {
	case r.err = <-r.done:
		r.ok = true
		return true, r.err
	default:
		return false, nil
	}
}

// Isend starts a non-blocking send, mirroring MPI_Isend. The returned
// Request completes once the payload has been handed to the transport.
func (c *Comm) Isend(data interface{}, dest, tag int) *Request {
	req := &Request{done: make(chan error, 1)}
	go func() { req.done <- c.Send(data, dest, tag) }()
	return req
}

// Irecv starts a non-blocking receive, mirroring MPI_Irecv. data is
// populated once the Request completes.
func (c *Comm) Irecv(data interface{}, src, tag int) *Request {
	req := &Request{done: make(chan error, 1)}
	go func() { req.done <- c.Recv(data, src, tag) }()
	return req
}

// Waitany blocks until at least one of reqs has completed, and returns its
// index. It mirrors MPI_Waitany's role in the flow-controlled exchange of
// spec.md §4.8 (post up to max_pending, then replenish as each completes).
func Waitany(reqs []*Request) (index int, err error) {
	if len(reqs) == 0 {
		return -1, errors.New("mpi: Waitany called with no requests")
	}
	type result struct {
		i   int
		err error
	}
	ch := make(chan result, len(reqs))
	for i, r := range reqs {
		i, r := i, r
		go func() { ch <- result{i, r.Wait()} }()
	}
	res := <-ch
	return res.i, res.err
}

// Barrier blocks every member of the communicator until all have called
// Barrier: each non-root sends an empty message to comm-root, which then
// broadcasts a release once every member has checked in.
func (c *Comm) Barrier() error {
	const tag = -1 // reserved tag, never used by application code
	root := 0
	if c.Rank() == root {
		g, _ := errgroup.WithContext(context.Background())
		for i := 0; i < c.Size(); i++ {
			if i == root {
				continue
			}
			i := i
			g.Go(func() error {
				var empty struct{}
				return c.Recv(&empty, i, tag)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		return c.bcastFromRoot(struct{}{}, root, tag+1)
	}
	if err := c.Send(struct{}{}, root, tag); err != nil {
		return err
	}
	var empty struct{}
	return c.recvFromRoot(&empty, root, tag+1)
}

// Bcast broadcasts data from root to every member of the communicator. On
// the root, data is the value to send; on every other member, data must be
// a pointer, populated with the broadcast value on return.
func (c *Comm) Bcast(data interface{}, root int) error {
	const tag = -2
	if c.Rank() == root {
		return c.bcastFromRoot(data, root, tag)
	}
	return c.recvFromRoot(data, root, tag)
}

func (c *Comm) bcastFromRoot(data interface{}, root, tag int) error {
	g, _ := errgroup.WithContext(context.Background())
	for i := 0; i < c.Size(); i++ {
		if i == root {
			continue
		}
		i := i
		g.Go(func() error { return c.Send(data, i, tag) })
	}
	return g.Wait()
}

func (c *Comm) recvFromRoot(data interface{}, root, tag int) error {
	return c.Recv(data, root, tag)
}

// ReduceOp is a reduction operator for Allreduce.
type ReduceOp int

const (
	// Max reduces by taking the element-wise maximum.
	Max ReduceOp = iota
	// Sum reduces by taking the element-wise sum.
	Sum
)

// Allreduce reduces the int slices in across all members with op, and
// leaves the result in out on every member, mirroring MPI_Allreduce. Used
// by async init (spec.md §4.1) to agree on the per-component proc lists by
// reduction rather than an explicit exchange.
func (c *Comm) Allreduce(in []int, out []int, op ReduceOp) error {
	if len(in) != len(out) {
		return fmt.Errorf("mpi: Allreduce length mismatch: %d vs %d", len(in), len(out))
	}
	const gatherTag = -3
	const bcastTag = -4
	root := 0
	if c.Rank() == root {
		acc := append([]int(nil), in...)
		results := make([][]int, c.Size())
		results[root] = in
		g, _ := errgroup.WithContext(context.Background())
		for i := 0; i < c.Size(); i++ {
			if i == root {
				continue
			}
			i := i
			g.Go(func() error {
				var v []int
				if err := c.Recv(&v, i, gatherTag); err != nil {
					return err
				}
				results[i] = v
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for i := 0; i < c.Size(); i++ {
			for j, v := range results[i] {
				switch op {
				case Max:
					if i == root {
						continue
					}
					if v > acc[j] {
						acc[j] = v
					}
				case Sum:
					if i == root {
						continue
					}
					acc[j] += v
				}
			}
		}
		copy(out, acc)
		return c.bcastFromRoot(acc, root, bcastTag)
	}
	if err := c.Send(in, root, gatherTag); err != nil {
		return err
	}
	var result []int
	if err := c.recvFromRoot(&result, root, bcastTag); err != nil {
		return err
	}
	copy(out, result)
	return nil
}

// splitRequest is what every member contributes to Split.
type splitRequest struct {
	WorldRank int
	Color     int
	Key       int
}

// Split partitions the communicator into disjoint sub-communicators: members
// sharing the same color end up in the same new Comm, ordered by key (ties
// broken by original comm rank), mirroring MPI_Comm_split. A member that
// supplies a negative color is excluded and its returned Comm is nil. Every
// member must call Split collectively, in the same relative order as every
// other member (the usual MPI discipline).
func (c *Comm) Split(color, key int) (*Comm, error) {
	const gatherTag = -5
	const bcastTag = -6
	root := 0
	me := splitRequest{WorldRank: c.world.Rank(), Color: color, Key: key}

	var all []splitRequest
	if c.Rank() == root {
		all = make([]splitRequest, c.Size())
		all[root] = me
		g, _ := errgroup.WithContext(context.Background())
		for i := 0; i < c.Size(); i++ {
			if i == root {
				continue
			}
			i := i
			g.Go(func() error {
				var r splitRequest
				if err := c.Recv(&r, i, gatherTag); err != nil {
					return err
				}
				all[i] = r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if err := c.bcastFromRoot(all, root, bcastTag); err != nil {
			return nil, err
		}
	} else {
		if err := c.Send(me, root, gatherTag); err != nil {
			return nil, err
		}
		if err := c.recvFromRoot(&all, root, bcastTag); err != nil {
			return nil, err
		}
	}

	byColor := make(map[int][]splitRequest)
	for _, r := range all {
		if r.Color < 0 {
			continue
		}
		byColor[r.Color] = append(byColor[r.Color], r)
	}
	mine := byColor[color]
	if color < 0 {
		return nil, nil
	}
	sort.SliceStable(mine, func(i, j int) bool { return mine[i].Key < mine[j].Key })
	ranks := make([]int, len(mine))
	for i, r := range mine {
		ranks[i] = r.WorldRank
	}
	return NewComm(c.world, NewGroup(ranks), childCommID(c.id, color)), nil
}
