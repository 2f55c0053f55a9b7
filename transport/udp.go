package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/opd-ai/mainline/limits"
	"github.com/opd-ai/mainline/scheduler"
)

const (
	batchSize        = 16
	readPollInterval = 100 * time.Millisecond
	writeDeadline    = 50 * time.Millisecond
	writeRetryDelay  = 20 * time.Millisecond
)

// batchConn is implemented by both ipv4.PacketConn and ipv6.PacketConn.
type batchConn interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
	WriteBatch(ms []ipv4.Message, flags int) (int, error)
}

type datagram struct {
	data []byte
	to   netip.AddrPort
}

// UDPTransport is a UDP endpoint with a single-writer send pipeline.
//
// Any goroutine may Send. Whoever claims the writer flag drains the queue;
// everyone else just enqueues. When the socket cannot take more data the
// datagram goes back to the head of the queue and a retry is scheduled.
// It satisfies the Transport interface.
type UDPTransport struct {
	conn      net.PacketConn
	batch     batchConn
	family    Family
	localAddr netip.AddrPort
	sched     *scheduler.Scheduler

	handler Handler
	mu      sync.RWMutex

	queueMu sync.Mutex
	queue   []datagram
	writing atomic.Bool
	retry   atomic.Bool

	sent, received, filtered, dropped, requeued atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUDPTransport opens a UDP socket of the given family and starts the read
// loop. Datagrams arriving before a handler is registered are discarded.
func NewUDPTransport(listenAddr string, family Family, sched *scheduler.Scheduler) (*UDPTransport, error) {
	conn, err := net.ListenPacket(family.Network(), listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", family.Network(), listenAddr, err)
	}
	return NewUDPTransportFromConn(conn, family, sched)
}

// NewUDPTransportFromConn wraps an already bound socket.
func NewUDPTransportFromConn(conn net.PacketConn, family Family, sched *scheduler.Scheduler) (*UDPTransport, error) {
	local, err := AddrPortFromNetAddr(conn.LocalAddr())
	if err != nil {
		conn.Close()
		return nil, err
	}
	if sched == nil {
		sched = scheduler.New(nil, 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:      conn,
		family:    family,
		localAddr: local,
		sched:     sched,
		ctx:       ctx,
		cancel:    cancel,
	}
	if udp, ok := conn.(*net.UDPConn); ok {
		if family == IPv6 {
			t.batch = ipv6.NewPacketConn(udp)
		} else {
			t.batch = ipv4.NewPacketConn(udp)
		}
	}

	t.wg.Add(1)
	go t.processPackets()

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPTransport",
		"local":    local.String(),
		"family":   family.String(),
		"batched":  t.batch != nil,
	}).Debug("UDP transport listening")
	return t, nil
}

// RegisterHandler registers the handler for inbound datagrams.
func (t *UDPTransport) RegisterHandler(handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handler = handler
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return t.localAddr
}

// Family returns the address family of the socket.
func (t *UDPTransport) Family() Family {
	return t.family
}

// Stats returns traffic counters.
func (t *UDPTransport) Stats() Stats {
	return Stats{
		Sent:     t.sent.Load(),
		Received: t.received.Load(),
		Filtered: t.filtered.Load(),
		Dropped:  t.dropped.Load(),
		Requeued: t.requeued.Load(),
	}
}

// Close shuts down the transport. Queued datagrams are discarded.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// Send queues a datagram and tries to become the writer.
func (t *UDPTransport) Send(data []byte, to netip.AddrPort) {
	if t.ctx.Err() != nil {
		t.dropped.Add(1)
		return
	}
	t.queueMu.Lock()
	t.queue = append(t.queue, datagram{data: data, to: to})
	t.queueMu.Unlock()
	t.tryWrite()
}

func (t *UDPTransport) queueLen() int {
	t.queueMu.Lock()
	defer t.queueMu.Unlock()
	return len(t.queue)
}

// tryWrite drains the queue if no other goroutine is doing so. The re-check
// after releasing the flag catches datagrams queued during the release.
func (t *UDPTransport) tryWrite() {
	for {
		if !t.writing.CompareAndSwap(false, true) {
			return
		}
		blocked := t.drain()
		t.writing.Store(false)
		if blocked || t.queueLen() == 0 {
			return
		}
	}
}

// drain writes queued datagrams until the queue is empty or the socket
// would block. It reports whether it stopped because of backpressure.
func (t *UDPTransport) drain() bool {
	for t.ctx.Err() == nil {
		t.queueMu.Lock()
		n := min(len(t.queue), batchSize)
		if n == 0 {
			t.queueMu.Unlock()
			return false
		}
		pending := make([]datagram, n)
		copy(pending, t.queue)
		t.queue = t.queue[n:]
		t.queueMu.Unlock()

		_ = t.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		written, err := t.write(pending)
		t.sent.Add(uint64(written))
		if err == nil {
			continue
		}
		rest := pending[written:]
		if isBackpressure(err) {
			t.requeue(rest)
			t.scheduleRetry()
			return true
		}
		// the first unwritten datagram is bad; keep the others
		t.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "drain",
			"to":       rest[0].to.String(),
			"error":    err.Error(),
		}).Debug("Dropping datagram after send error")
		t.requeue(rest[1:])
	}
	return false
}

func (t *UDPTransport) write(pending []datagram) (int, error) {
	if t.batch != nil && len(pending) > 1 {
		msgs := make([]ipv4.Message, len(pending))
		for i, d := range pending {
			msgs[i].Buffers = [][]byte{d.data}
			msgs[i].Addr = net.UDPAddrFromAddrPort(d.to)
		}
		n, err := t.batch.WriteBatch(msgs, 0)
		if n < 0 {
			n = 0
		}
		if err == nil && n < len(pending) {
			err = syscall.EAGAIN
		}
		return n, err
	}
	for i, d := range pending {
		if _, err := t.conn.WriteTo(d.data, net.UDPAddrFromAddrPort(d.to)); err != nil {
			return i, err
		}
	}
	return len(pending), nil
}

func (t *UDPTransport) requeue(rest []datagram) {
	if len(rest) == 0 {
		return
	}
	t.requeued.Add(uint64(len(rest)))
	t.queueMu.Lock()
	t.queue = append(rest, t.queue...)
	t.queueMu.Unlock()
}

func (t *UDPTransport) scheduleRetry() {
	if !t.retry.CompareAndSwap(false, true) {
		return
	}
	t.sched.After(writeRetryDelay, func() {
		t.retry.Store(false)
		t.tryWrite()
	})
}

func isBackpressure(err error) bool {
	return errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

// processPackets handles incoming packets.
func (t *UDPTransport) processPackets() {
	defer t.wg.Done()

	buffers := make([][]byte, batchSize)
	for i := range buffers {
		buffers[i] = make([]byte, limits.ReceiveBufferSize)
	}
	msgs := make([]ipv4.Message, batchSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			if t.batch != nil {
				t.readBatch(msgs, buffers)
			} else {
				t.readOne(buffers[0])
			}
		}
	}
}

func (t *UDPTransport) readBatch(msgs []ipv4.Message, buffers [][]byte) {
	for i := range msgs {
		msgs[i].Buffers = [][]byte{buffers[i]}
		msgs[i].N = 0
		msgs[i].Addr = nil
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(readPollInterval))
	n, err := t.batch.ReadBatch(msgs, 0)
	if err != nil {
		t.handleReadError(err)
		return
	}
	for i := 0; i < n; i++ {
		t.processIncomingPacket(buffers[i][:msgs[i].N], msgs[i].Addr)
	}
}

func (t *UDPTransport) readOne(buffer []byte) {
	_ = t.conn.SetReadDeadline(time.Now().Add(readPollInterval))
	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		t.handleReadError(err)
		return
	}
	t.processIncomingPacket(buffer[:n], addr)
}

// handleReadError processes different types of connection read errors.
func (t *UDPTransport) handleReadError(err error) {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	if t.ctx.Err() != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "processPackets",
		"local":    t.localAddr.String(),
		"error":    err.Error(),
	}).Warn("UDP read failed")
	// avoid spinning on a persistent error
	time.Sleep(readPollInterval)
}

// processIncomingPacket applies the junk filter and hands a copy of the
// datagram to the handler.
func (t *UDPTransport) processIncomingPacket(data []byte, addr net.Addr) {
	t.received.Add(1)
	from, err := AddrPortFromNetAddr(addr)
	if err != nil || !t.accept(data, from) {
		t.filtered.Add(1)
		return
	}

	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler == nil {
		return
	}
	handler(append([]byte(nil), data...), from)
}

// accept is the cheap pre-decode filter: KRPC messages are dictionaries of
// some minimal size from a real port of our family.
func (t *UDPTransport) accept(data []byte, from netip.AddrPort) bool {
	if limits.ValidateDatagram(data) != nil || data[0] != 'd' {
		return false
	}
	return IsValidDestination(from, t.family)
}
