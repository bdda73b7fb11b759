// Package syntheticserver implements the manager's local-only fixed
// HTTP responder that HealthProbe's ProbeServer checks against, standing
// in for the data plane's request path. Grounded on
// cmd/sysbox-fs/main.go's accept-loop-plus-worker-goroutine shape, here
// narrowed to a fixed single-request responder. Traffic never leaves
// 127.0.0.1: any other peer address is refused at accept time.
package syntheticserver

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	body = "abcdefghijklmnopqrstuvwxyz\r\n"
	// wantPath/wantVersionPrefix validate the request line's method,
	// path and HTTP major version without pinning its exact form: the
	// cop's probe sends the absolute-URI form ("GET http://host:port
	// /synthetic.txt HTTP/1.0"), not bare origin-form, so the request
	// line is read up to its terminating CRLF rather than a fixed
	// byte count.
	wantMethod        = "GET "
	wantPath          = "/synthetic.txt"
	wantVersionPrefix = "HTTP/1"
	maxRequestLine    = 256
	ioTimeout         = 2 * time.Second
	acceptRetry       = 10 * time.Millisecond
)

// Server is a single-threaded acceptor; each connection is served by its
// own goroutine since the fixed request/response exchange is brief and
// bounded by ioTimeout.
type Server struct {
	log      *logrus.Entry
	listener net.Listener
	done     chan struct{}
}

// New binds the responder to 127.0.0.1:port. port == 0 lets the kernel
// choose, recoverable from Addr().
func New(log *logrus.Entry, port int) (*Server, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("syntheticserver: listen: %w", err)
	}
	return &Server{log: log, listener: ln, done: make(chan struct{})}, nil
}

func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve runs the accept loop until Close is called; any accept error
// other than "listener closed" is logged and retried after a short
// pause so a transient EMFILE does not spin the CPU.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.WithError(err).Warn("syntheticserver: accept error")
			time.Sleep(acceptRetry)
			continue
		}
		if !isLoopback(conn.RemoteAddr()) {
			conn.Close()
			continue
		}
		go s.serveOne(conn)
	}
}

func (s *Server) Close() error {
	close(s.done)
	return s.listener.Close()
}

func isLoopback(addr net.Addr) bool {
	ta, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	return ta.IP.IsLoopback()
}

func (s *Server) serveOne(conn net.Conn) {
	defer conn.Close()
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	line, err := readRequestLine(conn)
	if err != nil || !isSyntheticRequest(line) {
		return
	}

	respBody := strings.Repeat(body, 3)
	resp := fmt.Sprintf(
		"HTTP/1.0 200 OK\r\nDate: %s\r\nContent-Length: %d\r\nContent-Type: text/plain\r\n\r\n%s",
		time.Now().UTC().Format(http1123), len(respBody), respBody,
	)

	written := 0
	out := []byte(resp)
	for written < len(out) {
		n, err := conn.Write(out[written:])
		written += n
		if err != nil {
			return
		}
	}
}

// readRequestLine reads up to the first CRLF (or maxRequestLine bytes,
// whichever comes first) off conn. It reads one byte at a time, which
// is fine here: the request line is tiny and bounded by ioTimeout.
func readRequestLine(conn net.Conn) (string, error) {
	var buf []byte
	one := make([]byte, 1)
	for len(buf) < maxRequestLine {
		n, err := conn.Read(one)
		if n == 1 {
			buf = append(buf, one[0])
			if len(buf) >= 2 && buf[len(buf)-2] == '\r' && buf[len(buf)-1] == '\n' {
				return string(buf[:len(buf)-2]), nil
			}
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("syntheticserver: request line exceeds %d bytes", maxRequestLine)
}

// isSyntheticRequest accepts either origin-form ("GET /synthetic.txt
// HTTP/1.0") or absolute-URI form ("GET http://host:port/synthetic.txt
// HTTP/1.0"), matching on method, path and HTTP major version rather
// than the exact request-line text; the minor version digit is not
// checked.
func isSyntheticRequest(line string) bool {
	if !strings.HasPrefix(strings.ToUpper(line), wantMethod) {
		return false
	}
	rest := line[len(wantMethod):]
	if !strings.Contains(rest, wantPath) {
		return false
	}
	return strings.Contains(strings.ToUpper(rest), strings.ToUpper(wantVersionPrefix))
}

const http1123 = "Mon, 02 Jan 2006 15:04:05 GMT"
