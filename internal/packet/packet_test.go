package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pkt := New(42, TypeQuery, []byte("select * from series"))

	encoded := pkt.Encode()

	decoded, n, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, pkt.Pid, decoded.Pid)
	assert.Equal(t, pkt.Tp, decoded.Tp)
	assert.Equal(t, pkt.Data, decoded.Data)
}

func TestDecodeHeaderRejectsTruncated(t *testing.T) {
	_, _, _, err := DecodeHeader([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeHeaderRejectsBadCheckbit(t *testing.T) {
	pkt := New(1, TypePing, nil)
	encoded := pkt.Encode()
	encoded[7] ^= 0xFF // corrupt the checkbit

	_, _, _, err := DecodeHeader(encoded)
	assert.ErrorIs(t, err, ErrCheckbitMismatch)
}

func TestDecodeRejectsOversizedPayloadLength(t *testing.T) {
	header := make([]byte, HeaderSize)
	header[0] = 0xFF
	header[1] = 0xFF
	header[2] = 0xFF
	header[3] = 0xFF
	header[6] = uint8(TypePing)
	header[7] = checkbitFor(TypePing)

	_, _, _, err := DecodeHeader(header)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestErrorMsgRoundTrip(t *testing.T) {
	pkt := Err(7, TypeErrorMsg, "pool has no admissible member")

	msg, err := DecodeErrorMsg(pkt.Data)
	require.NoError(t, err)
	assert.Equal(t, "pool has no admissible member", msg)
}

func TestDup(t *testing.T) {
	pkt := New(1, TypeQuery, []byte("abc"))
	dup := Dup(pkt)

	dup.Data[0] = 'z'
	assert.Equal(t, byte('a'), pkt.Data[0])
	assert.Equal(t, pkt.Pid, dup.Pid)
}

func TestClientAuthCodecRoundTrip(t *testing.T) {
	payload := ClientAuthPayload{Username: "iris", Password: "siri", DBName: "dbtest"}

	decoded, err := DecodeClientAuth(EncodeClientAuth(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestServerAuthCodecRoundTrip(t *testing.T) {
	uuid16 := make([]byte, 16)
	for i := range uuid16 {
		uuid16[i] = byte(i)
	}
	payload := ServerAuthPayload{UUID: uuid16, DBName: "dbtest", Version: "2.0.5", MinVersion: "2.0.0"}

	decoded, err := DecodeServerAuth(EncodeServerAuth(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecodeServerAuthRejectsShortPayload(t *testing.T) {
	_, err := DecodeServerAuth([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTruncated)
}
