package ctlproto

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tscore/tscore/domain"
)

func TestFieldRoundTrip(t *testing.T) {
	w := NewWriter().Int32(-7).Int64(1 << 40).String("proxy.config.admin.user_id").Bytes([]byte{1, 2, 3})
	r := NewReader(w.Payload())

	i32, err := r.Int32()
	require.NoError(t, err)
	require.Equal(t, int32(-7), i32)

	i64, err := r.Int64()
	require.NoError(t, err)
	require.Equal(t, int64(1<<40), i64)

	s, err := r.String()
	require.NoError(t, err)
	require.Equal(t, "proxy.config.admin.user_id", s)

	b, err := r.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, b)
	require.Equal(t, 0, r.Remaining())
}

func TestEmptyStringWireShape(t *testing.T) {
	w := NewWriter().String("")
	require.Equal(t, []byte{0, 0, 0, 1, 0}, w.Payload())
}

func TestEmptyBytesNoPayload(t *testing.T) {
	w := NewWriter().Bytes(nil)
	require.Equal(t, []byte{0, 0, 0, 0}, w.Payload())
	r := NewReader(w.Payload())
	b, err := r.Bytes()
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestRecordGetRoundTrip(t *testing.T) {
	req := RecordGetRequest{Name: "proxy.config.admin.user_id"}
	payload := req.Encode()

	op, err := PeekOp(payload)
	require.NoError(t, err)
	require.Equal(t, OpRecordGet, op)

	r := NewReader(payload)
	_, err = r.Int32() // consume op
	require.NoError(t, err)
	got, err := DecodeRecordGetRequest(r)
	require.NoError(t, err)
	require.Equal(t, req, got)

	resp := RecordGetResponse{
		Err:   domain.ErrOkay,
		Class: domain.ClassConfig,
		Type:  domain.TypeString,
		Name:  "proxy.config.admin.user_id",
		Value: []byte("nobody\x00"),
	}
	rr := NewReader(resp.Encode())
	gotResp, err := DecodeRecordGetResponse(rr)
	require.NoError(t, err)
	require.Equal(t, resp, gotResp)
}

func TestShortBufferReturnsErrShortWithoutOverreading(t *testing.T) {
	// A payload declaring a 3-byte string but only carrying 2.
	w := NewWriter()
	w.Int32(3)
	w.buf = append(w.buf, []byte("ab")...)
	r := NewReader(w.Payload())
	_, err := r.String()
	require.ErrorIs(t, err, ErrShort)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := RecordGetRequest{Name: "x"}.Encode()
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadFrameEOFBetweenFrames(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(bytes.NewReader(nil)))
	require.Equal(t, io.EOF, err)
}

func TestReadFramePartialLengthIsUnexpectedEOF(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(bytes.NewReader([]byte{1, 2})))
	require.Equal(t, io.ErrUnexpectedEOF, err)
}
