// Package mpi is a pure-Go, cgo-free message-passing transport modeled on
// the MPI standard: a fixed-size mesh of processes ("the world"), first-class
// communicators carved out of that mesh by Split, point-to-point send/receive
// (blocking and non-blocking), and a small set of collectives (Bcast,
// Allreduce, Barrier).
//
// Unlike a single implicit global transport, every communicator here is an
// independent value: a process may hold several communicators over the same
// underlying world mesh at once (a compute communicator, an I/O communicator,
// and their union, for instance) without their messages colliding, because
// every wire tag is namespaced by the communicator that sent it.
package mpi

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// World is the all-to-all mesh of processes taking part in the computation.
// It is the thing that is actually dialed/listened on the network; every
// Comm is a view (a subset, in a particular order) over one World.
type World struct {
	NetProto string
	Addr     string
	Addrs    []string
	Timeout  time.Duration
	Password string

	rank int
	size int

	peers []*peer // indexed by world rank; peers[rank] is nil (no connection to self)
	self  *selfPeer

	anyMu    sync.Mutex
	anyChans map[tagKey]chan anyMessage
}

// anyCommID is a reserved wire marker, never handed out by WorldCommID or
// childCommID (see comm.go): wireMessage.CommID is set to it to mark a frame
// as routed by the any-source mailbox (see RecvAny) instead of a specific
// peer's per-tag recv channel. The mailbox itself is still scoped by the
// sending Comm's real id, carried in wireMessage.Scope and folded into the
// tagKey anyChan keys on — so two comms sharing a world (e.g. one I/O task
// serving several async IOSystem components, one Union comm each) never
// dequeue each other's SendAny traffic even though both go through the
// mailbox rather than a posted peer recv.
const anyCommID uint32 = 0

// anyMessage is what RecvAny delivers: the raw bytes plus which world rank
// they came from, since the whole point of "any source" is that the
// receiver doesn't know that in advance.
type anyMessage struct {
	Src   int
	Bytes []byte
}

// peer is the bidirectional connection to one other world rank, along with
// the tag-keyed channel tables used to demultiplex concurrently in-flight
// messages. This mirrors btracey/mpi's pairwiseConnection/tagManager pair,
// generalized so tags are scoped per-communicator instead of globally.
type peer struct {
	dial   net.Conn
	listen net.Conn

	mu      sync.Mutex
	recvers map[tagKey]chan []byte
}

// selfPeer handles rank-to-self sends without touching the network.
type selfPeer struct {
	mu      sync.Mutex
	stored  map[tagKey][]byte
	waiting map[tagKey]chan struct{}
}

// tagKey namespaces a wire tag by the communicator that issued it, so two
// communicators sharing a world never see each other's messages.
type tagKey struct {
	CommID uint32
	Tag    int
}

// wireMessage is the envelope gob-encodes onto the connection.
type wireMessage struct {
	CommID uint32
	// Scope is only meaningful when CommID == anyCommID: the real comm id
	// SendAny was called on, so RecvAny's mailbox can be scoped per-comm
	// instead of globally (see anyChans).
	Scope uint32
	Tag   int
	Bytes []byte
}

type handshake struct {
	Password string
	Rank     int
}

// Join dials/listens the full mesh described by addrs and returns the World
// for this process, whose address is addr. It blocks until every pairwise
// connection has been established (or Timeout elapses, if set).
func Join(netProto, addr string, addrs []string, password string, timeout time.Duration) (*World, error) {
	if netProto == "" {
		netProto = "tcp"
	}
	sorted := append([]string(nil), addrs...)
	sort.Strings(sorted)
	for i := 0; i < len(sorted)-1; i++ {
		if sorted[i] == sorted[i+1] {
			return nil, errors.New("mpi: duplicate address in world address list")
		}
	}
	rank := sort.SearchStrings(sorted, addr)
	if !(rank < len(sorted) && sorted[rank] == addr) {
		return nil, errors.New("mpi: local address not present in world address list")
	}

	w := &World{
		NetProto: netProto,
		Addr:     addr,
		Addrs:    sorted,
		Timeout:  timeout,
		Password: password,
		rank:     rank,
		size:     len(sorted),
		peers:    make([]*peer, len(sorted)),
		self: &selfPeer{
			stored:  make(map[tagKey][]byte),
			waiting: make(map[tagKey]chan struct{}),
		},
		anyChans: make(map[tagKey]chan anyMessage),
	}
	for i := range w.peers {
		if i == rank {
			continue
		}
		w.peers[i] = &peer{
			recvers: make(map[tagKey]chan []byte),
		}
	}
	if err := w.connectAll(); err != nil {
		return nil, err
	}
	return w, nil
}

// Rank returns this process's rank within the world, 0 <= Rank() < Size().
func (w *World) Rank() int { return w.rank }

// Size returns the total number of processes in the world.
func (w *World) Size() int { return w.size }

func (w *World) connectAll() error {
	listenErrCh := make(chan error, 1)
	dialErrCh := make(chan error, 1)
	go func() { listenErrCh <- w.acceptConnections() }()
	go func() { dialErrCh <- w.dialConnections() }()
	if err := <-listenErrCh; err != nil {
		return err
	}
	if err := <-dialErrCh; err != nil {
		return err
	}
	return nil
}

func (w *World) acceptConnections() error {
	listener, err := net.Listen(w.NetProto, w.Addr)
	if err != nil {
		return fmt.Errorf("mpi: listen on %s: %w", w.Addr, err)
	}
	defer listener.Close()

	remaining := w.size - 1
	errs := make([]error, 0)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for remaining > 0 {
		conn, err := w.acceptWithTimeout(listener)
		if err != nil {
			return err
		}
		remaining--
		wg.Add(1)
		go func(conn net.Conn) {
			defer wg.Done()
			var hs handshake
			dec := gob.NewDecoder(conn)
			if err := dec.Decode(&hs); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			if hs.Password != w.Password || hs.Rank < 0 || hs.Rank >= w.size || hs.Rank == w.rank {
				mu.Lock()
				errs = append(errs, fmt.Errorf("mpi: bad handshake from rank %d", hs.Rank))
				mu.Unlock()
				return
			}
			w.peers[hs.Rank].listen = conn
			enc := gob.NewEncoder(conn)
			enc.Encode(handshake{Password: w.Password, Rank: w.rank})
			go w.pump(w.peers[hs.Rank], hs.Rank)
		}(conn)
	}
	wg.Wait()
	if len(errs) > 0 {
		return fmt.Errorf("mpi: accept errors: %v", errs)
	}
	return nil
}

func (w *World) acceptWithTimeout(listener net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		ch <- result{conn, err}
	}()
	if w.Timeout > 0 {
		select {
		case r := <-ch:
			return r.conn, r.err
		case <-time.After(w.Timeout):
			return nil, errors.New("mpi: timed out accepting peer connections")
		}
	}
	r := <-ch
	return r.conn, r.err
}

func (w *World) dialConnections() error {
	errs := make([]error, 0)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < w.size; i++ {
		if i == w.rank {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := time.Now()
			var conn net.Conn
			var err error
			for {
				conn, err = net.DialTimeout(w.NetProto, w.Addrs[i], w.Timeout)
				if err == nil {
					break
				}
				if w.Timeout > 0 && time.Since(start) > w.Timeout {
					break
				}
				time.Sleep(100 * time.Millisecond)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("mpi: dial rank %d: %w", i, err))
				mu.Unlock()
				return
			}
			enc := gob.NewEncoder(conn)
			if err := enc.Encode(handshake{Password: w.Password, Rank: w.rank}); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			var hs handshake
			dec := gob.NewDecoder(conn)
			dec.Decode(&hs)
			w.peers[i].dial = conn
		}(i)
	}
	wg.Wait()
	if len(errs) > 0 {
		return fmt.Errorf("mpi: dial errors: %v", errs)
	}
	return nil
}

// Close tears down every connection in the mesh.
func (w *World) Close() error {
	for _, p := range w.peers {
		if p == nil {
			continue
		}
		if p.dial != nil {
			p.dial.Close()
		}
		if p.listen != nil {
			p.listen.Close()
		}
	}
	return nil
}

// sendRaw ships data, gob-encoded, to world rank dest under the given wire
// tag. It blocks until the bytes are handed to the connection (or stored
// locally, for a self-send), mirroring the teacher's Send semantics.
func (w *World) sendRaw(dest int, key tagKey, data []byte) error {
	if dest == w.rank {
		w.self.mu.Lock()
		w.self.stored[key] = data
		ch, ok := w.self.waiting[key]
		if !ok {
			ch = make(chan struct{}, 1)
			w.self.waiting[key] = ch
		}
		w.self.mu.Unlock()
		select {
		case ch <- struct{}{}:
		default:
		}
		return nil
	}
	p := w.peers[dest]
	enc := gob.NewEncoder(p.dial)
	return enc.Encode(wireMessage{CommID: key.CommID, Tag: key.Tag, Bytes: data})
}

// recvRaw blocks until a message tagged key has arrived from world rank src,
// and returns its raw bytes.
func (w *World) recvRaw(src int, key tagKey) ([]byte, error) {
	if src == w.rank {
		w.self.mu.Lock()
		ch, ok := w.self.waiting[key]
		if !ok {
			ch = make(chan struct{}, 1)
			w.self.waiting[key] = ch
		}
		w.self.mu.Unlock()
		<-ch
		w.self.mu.Lock()
		b := w.self.stored[key]
		delete(w.self.stored, key)
		delete(w.self.waiting, key)
		w.self.mu.Unlock()
		return b, nil
	}
	p := w.peers[src]
	ch := p.recvChan(key)
	b := <-ch
	p.mu.Lock()
	delete(p.recvers, key)
	p.mu.Unlock()
	return b, nil
}

// recvChan returns the channel a pump goroutine will deliver key's bytes on,
// creating it if this is the first waiter.
func (p *peer) recvChan(key tagKey) chan []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.recvers[key]
	if !ok {
		ch = make(chan []byte, 1)
		p.recvers[key] = ch
	}
	return ch
}

// pump is the single reader goroutine for one peer's listen connection. A
// gob.Decoder is not safe for concurrent use, so exactly one goroutine per
// connection ever calls Decode; it demultiplexes each frame to the channel
// for its (comm, tag) key, creating that channel if the receiver hasn't
// posted its Recv yet (the frame then sits buffered, capacity 1, until it
// does) — replacing the teacher's per-call reader goroutines, which decoded
// the same connection concurrently from multiple goroutines.
func (w *World) pump(p *peer, src int) {
	dec := gob.NewDecoder(p.listen)
	for {
		var m wireMessage
		if err := dec.Decode(&m); err != nil {
			return
		}
		if m.CommID == anyCommID {
			w.anyChan(m.Scope, m.Tag) <- anyMessage{Src: src, Bytes: m.Bytes}
			continue
		}
		key := tagKey{CommID: m.CommID, Tag: m.Tag}
		ch := p.recvChan(key)
		ch <- m.Bytes
	}
}

// anyChan returns the mailbox channel for messages sent via SendAny/RecvAny
// under (scope, tag), creating it on first use. scope is the real id of the
// Comm the call was made on, so two comms sharing a world (e.g. distinct
// async IOSystem components an I/O task serves, each with its own Union)
// never dequeue each other's traffic despite both going through this single
// process-wide mailbox instead of a per-peer posted recv.
func (w *World) anyChan(scope uint32, tag int) chan anyMessage {
	w.anyMu.Lock()
	defer w.anyMu.Unlock()
	key := tagKey{CommID: scope, Tag: tag}
	ch, ok := w.anyChans[key]
	if !ok {
		ch = make(chan anyMessage, 8)
		w.anyChans[key] = ch
	}
	return ch
}

// SendAny delivers data to world rank dest tagged tag, bypassing any
// communicator's tag namespace, so the matching RecvAny call can be posted
// by a process that does not yet know which rank will send to it — the
// shape the async dispatch loop (spec.md §4.3) needs: an I/O root that
// serves function-code messages from whichever compute master sends next.
// scope is folded into the mailbox key (see anyChan) so this stays isolated
// from any other comm's SendAny/RecvAny traffic in the same world.
func (w *World) SendAny(dest int, scope uint32, tag int, data interface{}) error {
	b, err := encode(data)
	if err != nil {
		return err
	}
	if dest == w.rank {
		w.anyChan(scope, tag) <- anyMessage{Src: w.rank, Bytes: b}
		return nil
	}
	p := w.peers[dest]
	enc := gob.NewEncoder(p.dial)
	return enc.Encode(wireMessage{CommID: anyCommID, Scope: scope, Tag: tag, Bytes: b})
}

// RecvAny blocks until any peer sends tagged tag under scope via SendAny,
// decodes it into data, and returns the sender's world rank.
func (w *World) RecvAny(scope uint32, tag int, data interface{}) (src int, err error) {
	m := <-w.anyChan(scope, tag)
	if err := decodeInto(m.Bytes, data); err != nil {
		return -1, err
	}
	return m.Src, nil
}

func encode(data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeInto(b []byte, data interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(data)
}
