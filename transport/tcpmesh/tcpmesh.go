// Package tcpmesh implements transport.Context over a fully-connected TCP
// mesh.
//
// Rendezvous: every rank listens on its configured address, publishes the
// resolved address in the store under "addr/<rank>", waits for all peers to
// do the same, then dials every higher rank and accepts from every lower
// rank, bounded by the connect timeout. A small handshake frame identifies
// the dialer.
//
// Framing: gob-encoded frames {Src, Tag, Payload}, one persistent
// encoder/decoder pair per connection. A reader goroutine per peer
// demultiplexes into a shared mailbox keyed by (source, tag); per-(src,tag)
// message order is the connection's FIFO order. Point-to-point tags are kept
// in a namespace separate from collective tags by setting their high bit.
package tcpmesh

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/procgroup/store"
	"github.com/gomlx/procgroup/transport"
)

// p2pTagBit separates unbound-buffer (point-to-point) tags from collective
// operation tags, so a caller-chosen point-to-point tag can never collide
// with an engine-allocated collective tag.
const p2pTagBit = uint32(1) << 31

// Device configures a TCP mesh. The zero value listens on a loopback
// ephemeral port, which suits single-machine groups and tests.
type Device struct {
	// ListenAddress is the address given to net.Listen; the resolved
	// address (with the concrete port) is what gets published to peers.
	// Empty means "127.0.0.1:0".
	ListenAddress string
}

var _ transport.Device = (*Device)(nil)

// NewDevice returns a Device listening on listenAddress ("" for loopback
// ephemeral).
func NewDevice(listenAddress string) *Device {
	return &Device{ListenAddress: listenAddress}
}

func addrKey(rank int) string { return fmt.Sprintf("addr/%d", rank) }

// frame is the wire unit. Src is authoritative only in the handshake; after
// that the reader attributes frames to the connection's peer.
type frame struct {
	Src     int
	Tag     uint32
	Payload []byte
}

type peer struct {
	mu   sync.Mutex
	conn net.Conn
	bw   *bufio.Writer
	enc  *gob.Encoder
}

func newPeer(conn net.Conn) *peer {
	bw := bufio.NewWriter(conn)
	return &peer{conn: conn, bw: bw, enc: gob.NewEncoder(bw)}
}

func (p *peer) send(f frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(f); err != nil {
		return err
	}
	return p.bw.Flush()
}

type mesh struct {
	rank, size int
	peers      []*peer // indexed by rank; peers[rank] == nil
	inbox      *inbox
	closed     atomic.Bool
}

var _ transport.Context = (*mesh)(nil)

// Connect implements transport.Device.
func (d *Device) Connect(st store.Store, rank, size int, timeout time.Duration) (transport.Context, error) {
	if size <= 0 || rank < 0 || rank >= size {
		return nil, errors.Errorf("tcpmesh: invalid rank %d for group size %d", rank, size)
	}
	m := &mesh{rank: rank, size: size, peers: make([]*peer, size), inbox: newInbox()}
	if size == 1 {
		return m, nil
	}

	listenAddress := d.ListenAddress
	if listenAddress == "" {
		listenAddress = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "tcpmesh: rank %d listening on %q", rank, listenAddress)
	}
	defer ln.Close()

	if err := st.Set(addrKey(rank), []byte(ln.Addr().String())); err != nil {
		return nil, errors.Wrapf(err, "tcpmesh: rank %d publishing address", rank)
	}
	keys := make([]string, size)
	for i := range keys {
		keys[i] = addrKey(i)
	}
	if err := st.Wait(keys, timeout); err != nil {
		return nil, errors.Wrapf(err, "tcpmesh: rank %d waiting for peer addresses", rank)
	}

	deadline := time.Now().Add(timeout)
	if tcpLn, ok := ln.(*net.TCPListener); ok {
		tcpLn.SetDeadline(deadline)
	}

	// Lower ranks dial us; higher ranks we dial. Accepting runs
	// concurrently since peers connect in no particular order.
	acceptDone := make(chan error, 1)
	go func() {
		for n := 0; n < rank; n++ {
			conn, err := ln.Accept()
			if err != nil {
				acceptDone <- errors.Wrapf(err, "tcpmesh: rank %d accepting peer connections", rank)
				return
			}
			dec := gob.NewDecoder(bufio.NewReader(conn))
			var hello frame
			if err := dec.Decode(&hello); err != nil {
				conn.Close()
				acceptDone <- errors.Wrapf(err, "tcpmesh: rank %d reading handshake", rank)
				return
			}
			if hello.Src < 0 || hello.Src >= size || m.peers[hello.Src] != nil {
				conn.Close()
				acceptDone <- errors.Errorf("tcpmesh: rank %d got invalid handshake from rank %d", rank, hello.Src)
				return
			}
			m.peers[hello.Src] = newPeer(conn)
			go m.readLoop(hello.Src, dec)
		}
		acceptDone <- nil
	}()

	var dialErr error
	for peerRank := rank + 1; peerRank < size; peerRank++ {
		address, err := st.Get(addrKey(peerRank))
		if err != nil {
			dialErr = errors.Wrapf(err, "tcpmesh: rank %d resolving rank %d", rank, peerRank)
			break
		}
		conn, err := net.DialTimeout("tcp", string(address), time.Until(deadline))
		if err != nil {
			dialErr = errors.Wrapf(err, "tcpmesh: rank %d dialing rank %d at %s", rank, peerRank, address)
			break
		}
		p := newPeer(conn)
		if err := p.send(frame{Src: rank}); err != nil {
			conn.Close()
			dialErr = errors.Wrapf(err, "tcpmesh: rank %d handshaking with rank %d", rank, peerRank)
			break
		}
		m.peers[peerRank] = p
		go m.readLoop(peerRank, gob.NewDecoder(bufio.NewReader(conn)))
	}

	acceptErr := <-acceptDone
	if dialErr != nil || acceptErr != nil {
		m.Close()
		if dialErr != nil {
			return nil, dialErr
		}
		return nil, acceptErr
	}
	klog.V(1).Infof("tcpmesh: rank %d/%d connected full mesh", rank, size)
	return m, nil
}

func (m *mesh) Rank() int { return m.rank }
func (m *mesh) Size() int { return m.size }

// Close implements transport.Context. In-flight operations fail.
func (m *mesh) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, p := range m.peers {
		if p != nil {
			p.conn.Close()
		}
	}
	m.inbox.fail(errors.New("tcpmesh: context closed"))
	return nil
}

func (m *mesh) readLoop(peerRank int, dec *gob.Decoder) {
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			if m.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = errors.Errorf("tcpmesh: rank %d closed the connection", peerRank)
			} else {
				err = errors.Wrapf(err, "tcpmesh: reading from rank %d", peerRank)
			}
			m.inbox.fail(err)
			return
		}
		// Attribute to the connection's peer, whatever the frame claims.
		m.inbox.put(frame{Src: peerRank, Tag: f.Tag, Payload: f.Payload})
	}
}

// send delivers payload to dst under tag. Self-sends are delivered through
// the mailbox without touching the network.
func (m *mesh) send(dst int, tag uint32, payload []byte) error {
	if dst < 0 || dst >= m.size {
		return errors.Errorf("tcpmesh: destination rank %d out of range [0, %d)", dst, m.size)
	}
	if dst == m.rank {
		m.inbox.put(frame{Src: m.rank, Tag: tag, Payload: append([]byte(nil), payload...)})
		return nil
	}
	p := m.peers[dst]
	if p == nil {
		return errors.Errorf("tcpmesh: no connection to rank %d", dst)
	}
	if err := p.send(frame{Src: m.rank, Tag: tag, Payload: payload}); err != nil {
		return errors.Wrapf(err, "tcpmesh: sending %d bytes to rank %d", len(payload), dst)
	}
	return nil
}

// asyncSend runs send on its own goroutine, so a caller can post a send and
// block on a receive without risking a distributed write-write deadlock.
func (m *mesh) asyncSend(dst int, tag uint32, payload []byte) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- m.send(dst, tag, payload) }()
	return ch
}

func (m *mesh) recv(srcs []int, tag uint32) (frame, error) {
	return m.inbox.take(srcs, tag)
}

// inbox is the shared mailbox frames are demultiplexed into. Matching scans
// in arrival order, which preserves FIFO per (source, tag).
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames []frame
	err    error
}

func newInbox() *inbox {
	ib := &inbox{}
	ib.cond = sync.NewCond(&ib.mu)
	return ib
}

func (ib *inbox) put(f frame) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	ib.frames = append(ib.frames, f)
	ib.cond.Broadcast()
}

// fail poisons the inbox: pending and future takes return err. The first
// error wins.
func (ib *inbox) fail(err error) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if ib.err == nil {
		ib.err = err
	}
	ib.cond.Broadcast()
}

func (ib *inbox) take(srcs []int, tag uint32) (frame, error) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	for {
		for i, f := range ib.frames {
			if f.Tag != tag {
				continue
			}
			for _, src := range srcs {
				if f.Src == src {
					ib.frames = append(ib.frames[:i], ib.frames[i+1:]...)
					return f, nil
				}
			}
		}
		if ib.err != nil {
			return frame{Src: -1}, ib.err
		}
		ib.cond.Wait()
	}
}

// CreateUnboundBuffer implements transport.Context.
func (m *mesh) CreateUnboundBuffer(data []byte) transport.UnboundBuffer {
	return &unboundBuffer{
		m:      m,
		data:   data,
		sendCh: make(chan error, 1),
		recvCh: make(chan recvResult, 1),
	}
}

type recvResult struct {
	src int
	err error
}

type unboundBuffer struct {
	m      *mesh
	data   []byte
	sendCh chan error
	recvCh chan recvResult
}

func (b *unboundBuffer) Send(dst int, tag uint32) {
	go func() { b.sendCh <- b.m.send(dst, tag|p2pTagBit, b.data) }()
}

func (b *unboundBuffer) Recv(srcs []int, tag uint32) {
	srcs = append([]int(nil), srcs...)
	go func() {
		f, err := b.m.recv(srcs, tag|p2pTagBit)
		if err == nil {
			if len(f.Payload) != len(b.data) {
				err = errors.Errorf("tcpmesh: received %d bytes from rank %d into a %d byte buffer",
					len(f.Payload), f.Src, len(b.data))
			} else {
				copy(b.data, f.Payload)
			}
		}
		b.recvCh <- recvResult{src: f.Src, err: err}
	}()
}

func (b *unboundBuffer) WaitSend() error {
	return <-b.sendCh
}

func (b *unboundBuffer) WaitRecv() (int, error) {
	r := <-b.recvCh
	return r.src, r.err
}
