// Package stream implements the reference-counted duplex byte channel that
// carries packet frames between this process and a peer (client or backend
// server). It owns a decoder that feeds whole packets to a dispatcher and
// an encoder that writes outbound packets in submission order.
package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/siridb/siridb-cluster/internal/packet"
)

// ErrClosed is returned by Write once the stream has been closed.
var ErrClosed = errors.New("stream: closed")

// Dispatcher receives whole packets decoded off the wire. It is invoked on
// the stream's read goroutine; implementations that need to touch loop-owned
// state must hand off rather than block here.
type Dispatcher func(pkt *packet.Packet)

// writeJob is one entry in the stream's submission-ordered outbound queue.
type writeJob struct {
	payload []byte
	done    chan error
}

// Stream is a reference-counted duplex byte channel. It remains allocated
// while any outstanding write buffer or promise references it; Decref that
// brings the count to zero closes the underlying connection.
//
// Origin is a weak lookup key set at authentication time: a client stream
// points at a user record, a backend stream points at the UUID of the
// server it authenticated as. Origin is stored as an opaque value so this
// package never imports the cluster package (which imports stream to submit
// packets), avoiding an import cycle.
type Stream struct {
	conn net.Conn

	ref int32 // atomic; starts at 1 for the caller of New

	writeCh   chan writeJob
	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error

	originMu sync.RWMutex
	origin   interface{}

	dispatch Dispatcher

	wg   sync.WaitGroup
	done chan struct{}
}

// New wraps conn in a Stream and starts its read and write pumps. dispatch
// is called once per decoded packet from the read goroutine. The returned
// stream starts with a reference count of 1, held by the caller.
func New(conn net.Conn, dispatch Dispatcher) *Stream {
	s := &Stream{
		conn:     conn,
		ref:      1,
		writeCh:  make(chan writeJob, 64),
		dispatch: dispatch,
		done:     make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readPump()
	go s.writePump()

	return s
}

// Incref increments the reference count. Callers that hand a stream to a
// server record, or keep it alive across an async task, must incref first.
func (s *Stream) Incref() {
	atomic.AddInt32(&s.ref, 1)
}

// Decref decrements the reference count; when it reaches zero the
// connection is closed and the stream's pumps are torn down.
func (s *Stream) Decref() {
	if atomic.AddInt32(&s.ref, -1) == 0 {
		s.shutdown(nil)
	}
}

// SetOrigin binds the stream's origin pointer (user record or server UUID)
// after a successful authentication handshake.
func (s *Stream) SetOrigin(origin interface{}) {
	s.originMu.Lock()
	defer s.originMu.Unlock()
	s.origin = origin
}

// Origin returns the stream's bound origin, or nil if unauthenticated.
func (s *Stream) Origin() interface{} {
	s.originMu.RLock()
	defer s.originMu.RUnlock()
	return s.origin
}

// Write encodes pkt and hands it to the write pump. It blocks until the
// write either completes or the stream closes, mirroring the synchronous
// "submitted, freed when write completes" lifecycle of the original
// pkg.c:sirinet_pkg_send, but reporting the outcome instead of only logging
// it — the promise layer needs to know about a failed submission.
func (s *Stream) Write(pkt *packet.Packet) error {
	if s.closed.Load() {
		return ErrClosed
	}

	job := writeJob{payload: pkt.Encode(), done: make(chan error, 1)}

	select {
	case s.writeCh <- job:
	default:
		// Outbound queue saturated; caller's QUEUE_FULL bookkeeping lives
		// one layer up (cluster.Server), this just surfaces the failure.
		return fmt.Errorf("stream: write queue full")
	}

	return <-job.done
}

// readPump decodes whole packets off the wire and dispatches them.
func (s *Stream) readPump() {
	defer s.wg.Done()
	defer s.Decref()

	r := bufio.NewReaderSize(s.conn, 64*1024)
	header := make([]byte, packet.HeaderSize)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("stream read error", "error", err)
			}
			return
		}

		pid, tp, length, err := packet.DecodeHeader(header)
		if err != nil {
			slog.Warn("stream protocol desync, closing", "error", err)
			return
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			slog.Debug("stream truncated payload", "error", err)
			return
		}

		pkt := &packet.Packet{Pid: pid, Tp: tp, Checkbit: header[7], Data: data}
		s.dispatch(pkt)
	}
}

// writePump serializes outbound frames so writes submitted to a single
// stream are delivered in submission order.
func (s *Stream) writePump() {
	defer s.wg.Done()

	for job := range s.writeCh {
		_, err := s.conn.Write(job.payload)
		if err != nil {
			slog.Warn("stream write error", "error", err)
		}
		job.done <- err
	}
}

// shutdown closes the connection and the write channel exactly once.
func (s *Stream) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = err
		close(s.writeCh)
		s.conn.Close()
		close(s.done)
	})
}

// Close forces the stream closed regardless of outstanding references; used
// by the lifecycle supervisor's forced-close walk during shutdown.
func (s *Stream) Close() {
	s.shutdown(ErrClosed)
}

// RefCount returns the current reference count, for diagnostics/tests only.
func (s *Stream) RefCount() int32 {
	return atomic.LoadInt32(&s.ref)
}

// Done returns a channel closed once the stream has shut down, for callers
// that need to block until the connection is fully torn down.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}
