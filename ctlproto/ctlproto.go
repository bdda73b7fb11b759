// Package ctlproto implements a length-prefixed, typed-field wire
// format: every message is a 4-byte little-endian length followed by
// that many payload bytes; the payload is a sequence of
// Int32/Int64/String/Bytes fields whose order and types are fixed per
// OpType. There is no self-describing type tag on the wire (unlike the
// original's per-field header byte) — each side agrees on the schema for
// a given OpType out of band. This package only supplies the field-level
// codec and the framing, plus an encode/decode pair per request/response
// shape.
package ctlproto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// OpType identifies the operation encoded in a request frame; the
// recipient peeks at the first Int32 of the payload to select it.
type OpType int32

const (
	OpRecordSet OpType = iota + 1
	OpRecordGet
	OpRecordMatchGet
	OpRecordDescribeConfig
	OpProxyStateGet
	OpProxyStateSet
	OpReconfigure
	OpRestart
	OpBounce
	OpStop
	OpDrain
	OpEventResolve
	OpEventGetMLT
	OpEventActive
	OpEventRegCallback
	OpEventUnregCallback
	OpEventNotify
	OpStatsResetNode
	OpStorageDeviceCmdOffline
	OpAPIPing
	OpHostStatusUp
	OpHostStatusDown
	OpLifecycleMessage
	OpServerBacktrace
)

var opNames = map[OpType]string{
	OpRecordSet:               "RECORD_SET",
	OpRecordGet:               "RECORD_GET",
	OpRecordMatchGet:          "RECORD_MATCH_GET",
	OpRecordDescribeConfig:    "RECORD_DESCRIBE_CONFIG",
	OpProxyStateGet:           "PROXY_STATE_GET",
	OpProxyStateSet:           "PROXY_STATE_SET",
	OpReconfigure:             "RECONFIGURE",
	OpRestart:                 "RESTART",
	OpBounce:                  "BOUNCE",
	OpStop:                    "STOP",
	OpDrain:                   "DRAIN",
	OpEventResolve:            "EVENT_RESOLVE",
	OpEventGetMLT:             "EVENT_GET_MLT",
	OpEventActive:             "EVENT_ACTIVE",
	OpEventRegCallback:        "EVENT_REG_CALLBACK",
	OpEventUnregCallback:      "EVENT_UNREG_CALLBACK",
	OpEventNotify:             "EVENT_NOTIFY",
	OpStatsResetNode:          "STATS_RESET_NODE",
	OpStorageDeviceCmdOffline: "STORAGE_DEVICE_CMD_OFFLINE",
	OpAPIPing:                 "API_PING",
	OpHostStatusUp:            "HOST_STATUS_UP",
	OpHostStatusDown:          "HOST_STATUS_DOWN",
	OpLifecycleMessage:        "LIFECYCLE_MESSAGE",
	OpServerBacktrace:         "SERVER_BACKTRACE",
}

func (o OpType) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("OP(%d)", int32(o))
}

// privilegedOps lists the ops that ctlserver must gate on peer credentials.
var privilegedOps = map[OpType]bool{
	OpRecordSet:               true,
	OpRestart:                 true,
	OpBounce:                  true,
	OpStop:                    true,
	OpDrain:                   true,
	OpEventResolve:            true,
	OpHostStatusUp:            true,
	OpHostStatusDown:          true,
	OpStorageDeviceCmdOffline: true,
	OpStatsResetNode:          true,
	OpLifecycleMessage:        true,
}

func IsPrivileged(op OpType) bool { return privilegedOps[op] }

// MaxFrameLen bounds a single message payload; guards against a
// corrupt/hostile length prefix causing an unbounded allocation.
const MaxFrameLen = 16 << 20

// Writer serializes a sequence of typed fields into a payload buffer.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{buf: make([]byte, 0, 64)} }

func (w *Writer) Int32(v int32) *Writer {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) Int64(v int64) *Writer {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.buf = append(w.buf, b[:]...)
	return w
}

// String encodes a NUL-terminated string; zero-length strings become the
// 5-byte sequence `00 00 00 01 00`.
func (w *Writer) String(s string) *Writer {
	b := append([]byte(s), 0)
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(b)))
	w.buf = append(w.buf, lb[:]...)
	w.buf = append(w.buf, b...)
	return w
}

// Bytes encodes a length-prefixed byte buffer; len may be zero.
func (w *Writer) Bytes(b []byte) *Writer {
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(b)))
	w.buf = append(w.buf, lb[:]...)
	w.buf = append(w.buf, b...)
	return w
}

// Payload returns the encoded fields without the outer frame length.
func (w *Writer) Payload() []byte { return w.buf }

// WriteFrame writes the 4-byte LE length prefix followed by the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(payload)))
	if _, err := w.Write(lb[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one full length-prefixed frame. A peer close while a
// partial length prefix or payload has already been delivered surfaces
// as io.ErrUnexpectedEOF so the caller can distinguish it from a clean
// EOF between frames; any other read error (e.g. a deadline timeout) is
// returned as is.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lb[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("ctlproto: frame length %d exceeds max %d", n, MaxFrameLen)
	}
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// Reader decodes typed fields out of a payload in declared order,
// returning ErrShort (classified by the caller as domain.ErrParams) on
// any attempt to read past the declared length.
type Reader struct {
	buf []byte
	off int
}

func NewReader(payload []byte) *Reader { return &Reader{buf: payload} }

var ErrShort = fmt.Errorf("ctlproto: short buffer")
var ErrBadString = fmt.Errorf("ctlproto: string missing NUL terminator")

func (r *Reader) Int32() (int32, error) {
	if r.off+4 > len(r.buf) {
		return 0, ErrShort
	}
	v := int32(binary.LittleEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return v, nil
}

func (r *Reader) Int64() (int64, error) {
	if r.off+8 > len(r.buf) {
		return 0, ErrShort
	}
	v := int64(binary.LittleEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v, nil
}

func (r *Reader) String() (string, error) {
	if r.off+4 > len(r.buf) {
		return "", ErrShort
	}
	n := int(binary.LittleEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	if n < 1 || r.off+n > len(r.buf) {
		return "", ErrShort
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	if b[n-1] != 0 {
		return "", ErrBadString
	}
	return string(b[:n-1]), nil
}

func (r *Reader) Bytes() ([]byte, error) {
	if r.off+4 > len(r.buf) {
		return nil, ErrShort
	}
	n := int(binary.LittleEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	if n == 0 {
		return nil, nil
	}
	if r.off+n > len(r.buf) {
		return nil, ErrShort
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return append([]byte(nil), b...), nil
}

// Remaining reports how many payload bytes have not been consumed yet;
// zero means every declared field has been read. A well-formed peer
// never leaves trailing bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// PeekOp reads the op-type field without advancing — requests begin with
// an Int32 OpType, so the dispatcher peeks it to pick a schema.
func PeekOp(payload []byte) (OpType, error) {
	r := NewReader(payload)
	v, err := r.Int32()
	if err != nil {
		return 0, err
	}
	return OpType(v), nil
}
