package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Op: OpWriteWS, SessionID: 42, PayloadLen: 1024}
	require.NoError(t, WriteHeader(&buf, h))

	got, err := ReadHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestResponseHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := ResponseHeader{Op: OpReadWS, Status: StatusError, Errno: 2, PayloadLen: 0}
	require.NoError(t, WriteResponseHeader(&buf, h))

	got, err := ReadResponseHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestReadPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("hello world")

	p, err := ReadPayload(&buf, 5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(p))
}

func TestReadPayloadZero(t *testing.T) {
	p, err := ReadPayload(new(bytes.Buffer), 0)
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestReadPayloadShort(t *testing.T) {
	buf := bytes.NewBufferString("ab")
	_, err := ReadPayload(buf, 10)
	require.Error(t, err)
}

func TestOpcodeString(t *testing.T) {
	require.Equal(t, "OPEN_WS", OpOpenWS.String())
	require.Equal(t, "GETID", OpGetID.String())
	require.Equal(t, "UNKNOWN", Opcode(9999).String())
}
