package stream

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siridb/siridb-cluster/internal/packet"
)

func TestWriteDeliversDecodablePacketToPeer(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	st := New(client, func(*packet.Packet) {})
	defer st.Close()

	pkt := packet.New(5, packet.TypeQuery, []byte("hello"))
	errCh := make(chan error, 1)
	go func() { errCh <- st.Write(pkt) }()

	header := make([]byte, packet.HeaderSize)
	_, err := io.ReadFull(server, header)
	require.NoError(t, err)
	pid, tp, length, err := packet.DecodeHeader(header)
	require.NoError(t, err)

	data := make([]byte, length)
	_, err = io.ReadFull(server, data)
	require.NoError(t, err)

	assert.Equal(t, pkt.Pid, pid)
	assert.Equal(t, pkt.Tp, tp)
	assert.Equal(t, pkt.Data, data)
	require.NoError(t, <-errCh)
}

func TestWritesPreserveSubmissionOrder(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	st := New(client, func(*packet.Packet) {})
	defer st.Close()

	const n = 20
	gotPids := make(chan uint16, n)
	go func() {
		for i := 0; i < n; i++ {
			header := make([]byte, packet.HeaderSize)
			if _, err := io.ReadFull(server, header); err != nil {
				return
			}
			pid, _, length, err := packet.DecodeHeader(header)
			if err != nil {
				return
			}
			if _, err := io.ReadFull(server, make([]byte, length)); err != nil {
				return
			}
			gotPids <- pid
		}
	}()

	// Submitted sequentially from one goroutine, as the promise layer does
	// via Server.Write; the write pump must deliver them in submission
	// order even though net.Pipe's Write blocks until the peer reads.
	for i := 0; i < n; i++ {
		require.NoError(t, st.Write(packet.New(uint16(i), packet.TypeQuery, nil)))
	}

	for i := 0; i < n; i++ {
		select {
		case pid := <-gotPids:
			assert.Equal(t, uint16(i), pid)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for packet %d", i)
		}
	}
}

func TestDispatchReceivesDecodedPacketsFromPeer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	received := make(chan *packet.Packet, 1)
	st := New(server, func(pkt *packet.Packet) {
		received <- pkt
	})
	defer st.Close()

	pkt := packet.New(9, packet.TypePing, []byte("ping"))
	go func() {
		_, _ = client.Write(pkt.Encode())
	}()

	select {
	case got := <-received:
		assert.Equal(t, pkt.Pid, got.Pid)
		assert.Equal(t, pkt.Data, got.Data)
	case <-time.After(time.Second):
		t.Fatal("dispatch never received the packet")
	}
}

func TestDecrefToZeroClosesStreamAndSignalsDone(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	st := New(client, func(*packet.Packet) {})
	assert.Equal(t, int32(1), st.RefCount())

	st.Incref()
	assert.Equal(t, int32(2), st.RefCount())

	st.Decref()
	select {
	case <-st.Done():
		t.Fatal("stream closed before ref count reached zero")
	case <-time.After(50 * time.Millisecond):
	}

	st.Decref()
	select {
	case <-st.Done():
	case <-time.After(time.Second):
		t.Fatal("stream never closed once ref count reached zero")
	}

	assert.ErrorIs(t, st.Write(packet.New(0, packet.TypePing, nil)), ErrClosed)
}

func TestCloseForcesShutdownRegardlessOfRefCount(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	st := New(client, func(*packet.Packet) {})
	st.Incref() // ref count 2, Close must still tear it down

	st.Close()

	select {
	case <-st.Done():
	case <-time.After(time.Second):
		t.Fatal("Close did not shut down the stream")
	}
	assert.ErrorIs(t, st.Write(packet.New(0, packet.TypePing, nil)), ErrClosed)
}

func TestOriginRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	st := New(client, func(*packet.Packet) {})
	defer st.Close()

	assert.Nil(t, st.Origin())
	st.SetOrigin("some-user")
	assert.Equal(t, "some-user", st.Origin())
}
