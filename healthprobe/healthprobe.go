// Package healthprobe implements the active checks the watchdog runs
// against the manager and the proxy's data plane: a raw-socket HTTP probe
// against the synthetic responder, and a control-protocol RECORD_GET
// probe against the manager itself. Grounded on
// original_source/mgmt/utils/MgmtMarshall.cc's read/write-with-deadline
// idiom and on cmd/sysbox-fs/main.go's use of a bounded retry loop
// around EAGAIN/EINTR.
package healthprobe

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/tscore/tscore/ctlproto"
	"github.com/tscore/tscore/domain"
)

// Outcome classifies a single probe attempt.
type Outcome int

const (
	Ok Outcome = iota
	TimedOut
	BadStatus
	MalformedBody
	ConnectFailed
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "OK"
	case TimedOut:
		return "TIMED_OUT"
	case BadStatus:
		return "BAD_STATUS"
	case MalformedBody:
		return "MALFORMED_BODY"
	case ConnectFailed:
		return "CONNECT_FAILED"
	default:
		return "UNKNOWN"
	}
}

const alphabetLine = "abcdefghijklmnopqrstuvwxyz\r\n"

// Prober runs the probes; the synthetic server's port and the control
// socket's path are passed in on each call.
type Prober struct {
	log *logrus.Entry
}

func New(log *logrus.Entry) *Prober {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Prober{log: log}
}

// loopbackUp reports whether the loopback interface is administratively
// and operationally up; a down `lo` fails fast instead of waiting out a
// connect timeout. Any error reading link state is treated as "assume
// up" since this is advisory, not authoritative.
func loopbackUp() bool {
	link, err := netlink.LinkByName("lo")
	if err != nil {
		return true
	}
	attrs := link.Attrs()
	return attrs.OperState == netlink.OperUp || attrs.OperState == netlink.OperUnknown
}

// ProbeServer implements the synthetic-HTTP health check: connect to
// 127.0.0.1:port, send a fixed request line for /synthetic.txt, and
// validate that the response is "HTTP/... 200" followed by a body that
// is exactly three repetitions of the lowercase alphabet line.
func (p *Prober) ProbeServer(port int, timeout time.Duration) Outcome {
	if !loopbackUp() {
		return ConnectFailed
	}

	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		p.log.WithError(err).Debug("healthprobe: connect failed")
		return ConnectFailed
	}
	defer conn.Close()

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	if err := conn.SetDeadline(deadline); err != nil {
		return ConnectFailed
	}

	req := fmt.Sprintf("GET http://127.0.0.1:%d/synthetic.txt HTTP/1.0\r\n\r\n", port)
	if _, err := conn.Write([]byte(req)); err != nil {
		p.log.WithError(err).Debug("healthprobe: write failed")
		return ConnectFailed
	}

	buf := make([]byte, 4096)
	total := 0
	for total < len(buf) {
		if time.Now().After(deadline) {
			return TimedOut
		}
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			if isTimeout(err) {
				return TimedOut
			}
			break // EOF or other error: validate whatever arrived
		}
	}
	if total == 0 {
		return TimedOut
	}

	return classifyResponse(buf[:total])
}

func classifyResponse(resp []byte) Outcome {
	if !bytes.HasPrefix(resp, []byte("HTTP/")) {
		return BadStatus
	}
	sep := bytes.Index(resp, []byte("\r\n"))
	if sep < 0 {
		return MalformedBody
	}
	statusLine := string(resp[:sep])
	if !strings.Contains(statusLine, " 200 ") && !strings.HasSuffix(statusLine, " 200") {
		return BadStatus
	}

	headerEnd := bytes.Index(resp, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return MalformedBody
	}
	body := resp[headerEnd+4:]

	want := strings.Repeat(alphabetLine, 3)
	if string(body) != want {
		return MalformedBody
	}
	return Ok
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// ProbeControl performs a minimal RECORD_GET against a control-protocol
// listener (the manager) and compares the returned value against an
// expected one. Used for the watchdog's "is the manager alive and
// answering correctly" check, distinct from the data-plane synthetic
// probe.
func (p *Prober) ProbeControl(sockPath, recordName, expected string, timeout time.Duration) Outcome {
	deadline := time.Now().Add(timeout)

	conn, err := net.DialTimeout("unix", sockPath, timeout)
	if err != nil {
		p.log.WithError(err).Debug("healthprobe: control dial failed")
		return ConnectFailed
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline)

	req := ctlproto.RecordGetRequest{Name: recordName}
	if err := ctlproto.WriteFrame(conn, req.Encode()); err != nil {
		return ConnectFailed
	}

	br := bufio.NewReader(conn)
	payload, err := ctlproto.ReadFrame(br)
	if err != nil {
		if isTimeout(err) {
			return TimedOut
		}
		return ConnectFailed
	}

	r := ctlproto.NewReader(payload)
	resp, err := ctlproto.DecodeRecordGetResponse(r)
	if err != nil {
		return MalformedBody
	}
	if resp.Err != domain.ErrOkay {
		return BadStatus
	}
	got := strings.TrimRight(string(resp.Value), "\x00")
	if got != expected {
		return MalformedBody
	}
	return Ok
}
