// Package ctlserver implements ControlServer: the UNIX-domain-socket
// front door control clients and the watchdog talk to. It owns a
// listening control socket and a listening event socket, accepts
// clients, reads one length-prefixed ctlproto frame at a time, enforces
// peer-credential privilege gating on the mutating ops, and dispatches
// into coreapi/eventbus. Generalizes grpcServer.go's
// accept-loop-plus-per-connection-goroutine shape, replacing its gRPC
// dispatch with a hand-rolled one since the wire format here is the
// custom framed protocol, not protobuf-over-HTTP2.
package ctlserver

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/tscore/tscore/coreapi"
	"github.com/tscore/tscore/ctlproto"
	"github.com/tscore/tscore/domain"
	"github.com/tscore/tscore/eventbus"
	"github.com/tscore/tscore/shutdown"
)

const peerCredCacheSize = 512

// clientConn is the server-side record of one accepted connection.
type clientConn struct {
	id      eventbus.ClientID
	conn    net.Conn
	isEvent bool

	writeMu sync.Mutex
}

func (c *clientConn) sendFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ctlproto.WriteFrame(c.conn, payload)
}

// Server owns both listeners and the live client table.
type Server struct {
	log *logrus.Entry
	api *coreapi.CoreAPI

	effectiveUID int

	ctlListener   net.Listener
	eventListener net.Listener

	peerCreds *lru.Cache // key: eventbus.ClientID -> unix.Ucred

	mu      sync.Mutex
	clients map[eventbus.ClientID]*clientConn
	nextID  uint64
	closed  bool
}

// New creates (but does not yet bind) a Server.
func New(log *logrus.Entry, api *coreapi.CoreAPI) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cache, _ := lru.New(peerCredCacheSize)
	return &Server{
		log:          log,
		api:          api,
		effectiveUID: os.Geteuid(),
		peerCreds:    cache,
		clients:      make(map[eventbus.ClientID]*clientConn),
	}
}

// Listen binds the control and event UNIX sockets at the given paths,
// removing any stale socket file first (a crash can leave one behind).
// restricted controls the permission bits applied to both sockets: 0700
// when true, 0777 when false, matching the "restricted API access"
// process-start decision.
func (s *Server) Listen(ctlPath, eventPath string, restricted bool) error {
	perm := os.FileMode(0777)
	if restricted {
		perm = 0700
	}

	ctlLn, err := listenUnix(ctlPath, perm)
	if err != nil {
		return fmt.Errorf("ctlserver: control socket: %w", err)
	}
	eventLn, err := listenUnix(eventPath, perm)
	if err != nil {
		ctlLn.Close()
		return fmt.Errorf("ctlserver: event socket: %w", err)
	}

	s.ctlListener = ctlLn
	s.eventListener = eventLn
	return nil
}

func listenUnix(path string, perm os.FileMode) (net.Listener, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, perm); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// Serve runs both accept loops until Close is called.
func (s *Server) Serve() {
	go s.acceptLoop(s.ctlListener, false)
	go s.acceptLoop(s.eventListener, true)
}

func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	var err error
	if s.ctlListener != nil {
		err = s.ctlListener.Close()
	}
	if s.eventListener != nil {
		if e := s.eventListener.Close(); err == nil {
			err = e
		}
	}
	return err
}

func (s *Server) acceptLoop(ln net.Listener, isEvent bool) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.log.WithError(err).Warn("ctlserver: accept error")
			continue
		}
		id := eventbus.ClientID(atomic.AddUint64(&s.nextID, 1))
		cc := &clientConn{id: id, conn: conn, isEvent: isEvent}

		s.mu.Lock()
		s.clients[id] = cc
		s.mu.Unlock()

		go s.serveClient(cc)
	}
}

func (s *Server) serveClient(cc *clientConn) {
	defer func() {
		cc.conn.Close()
		s.mu.Lock()
		delete(s.clients, cc.id)
		s.mu.Unlock()
		s.peerCreds.Remove(cc.id)
		s.api.Events.Drop(cc.id) // no-op if never subscribed
	}()

	br := bufio.NewReader(cc.conn)
	for {
		payload, err := ctlproto.ReadFrame(br)
		if err != nil {
			return
		}
		resp, closeAfter := s.handleFrame(cc, payload)
		if resp != nil {
			if err := cc.sendFrame(resp); err != nil {
				return
			}
		}
		if closeAfter {
			return
		}
	}
}

// handleFrame decodes the op, gates privileged ops on peer credentials,
// dispatches to coreapi, and encodes the response. A nil response means
// the op (e.g. EVENT_REG_CALLBACK) has no reply frame by protocol
// definition.
func (s *Server) handleFrame(cc *clientConn, payload []byte) (resp []byte, closeAfter bool) {
	op, err := ctlproto.PeekOp(payload)
	if err != nil {
		return ctlproto.NewWriter().Int32(int32(domain.ErrParams)).Payload(), false
	}

	if ctlproto.IsPrivileged(op) {
		if !s.peerAuthorized(cc) {
			return ctlproto.NewWriter().Int32(int32(domain.ErrPermissionDenied)).Payload(), false
		}
	}

	r := ctlproto.NewReader(payload)
	if _, err := r.Int32(); err != nil { // consume op
		return ctlproto.NewWriter().Int32(int32(domain.ErrParams)).Payload(), false
	}

	switch op {
	case ctlproto.OpRecordSet:
		return s.handleRecordSet(r)
	case ctlproto.OpRecordGet:
		return s.handleRecordGet(r)
	case ctlproto.OpRecordMatchGet:
		return s.handleRecordMatchGet(cc, r)
	case ctlproto.OpReconfigure:
		return ctlproto.NewWriter().Int32(int32(s.api.Reconfigure())).Payload(), false
	case ctlproto.OpRestart:
		return s.handleShutdown(cc, r, shutdown.Restart, shutdown.IdleRestart)
	case ctlproto.OpBounce:
		return s.handleShutdown(cc, r, shutdown.Bounce, shutdown.IdleBounce)
	case ctlproto.OpStop:
		return s.handleShutdown(cc, r, shutdown.Stop, shutdown.IdleStop)
	case ctlproto.OpDrain:
		return s.handleShutdown(cc, r, shutdown.Drain, shutdown.IdleDrain)
	case ctlproto.OpEventResolve:
		name, err := ctlproto.DecodeNameRequest(r)
		if err != nil {
			return ctlproto.NewWriter().Int32(int32(domain.ErrParams)).Payload(), false
		}
		return ctlproto.NewWriter().Int32(int32(s.api.EventResolve(name))).Payload(), false
	case ctlproto.OpEventActive:
		name, err := ctlproto.DecodeNameRequest(r)
		if err != nil {
			return ctlproto.NewWriter().Int32(int32(domain.ErrParams)).Payload(), false
		}
		active, code := s.api.EventActive(name)
		b := int32(0)
		if active {
			b = 1
		}
		return ctlproto.NewWriter().Int32(int32(code)).Int32(b).Payload(), false
	case ctlproto.OpEventRegCallback:
		name, _ := ctlproto.DecodeNameRequest(r)
		s.registerEvent(cc, name, true)
		return nil, false
	case ctlproto.OpEventUnregCallback:
		name, _ := ctlproto.DecodeNameRequest(r)
		s.registerEvent(cc, name, false)
		return nil, false
	case ctlproto.OpAPIPing:
		return nil, false
	default:
		return ctlproto.NewWriter().Int32(int32(domain.ErrParams)).Payload(), false
	}
}

func (s *Server) handleRecordSet(r *ctlproto.Reader) ([]byte, bool) {
	req, err := ctlproto.DecodeRecordSetRequest(r)
	if err != nil {
		return ctlproto.NewWriter().Int32(int32(domain.ErrParams)).Payload(), false
	}
	code, action := s.api.RecordSet(req.Name, req.Value)
	return ctlproto.RecordSetResponse{Err: code, ActionNeeded: action}.Encode(), false
}

func (s *Server) handleRecordGet(r *ctlproto.Reader) ([]byte, bool) {
	req, err := ctlproto.DecodeRecordGetRequest(r)
	if err != nil {
		return ctlproto.NewWriter().Int32(int32(domain.ErrParams)).Payload(), false
	}
	rec, code := s.api.RecordGet(req.Name)
	return ctlproto.RecordGetResponse{
		Err: code, Class: rec.Class, Type: rec.Type, Name: rec.Name, Value: []byte(rec.Value + "\x00"),
	}.Encode(), false
}

// handleRecordMatchGet streams one RecordGetResponse frame per matching
// record directly to the client, followed by the null-name terminator,
// rather than building the whole reply in memory.
func (s *Server) handleRecordMatchGet(cc *clientConn, r *ctlproto.Reader) ([]byte, bool) {
	req, err := ctlproto.DecodeRecordMatchGetRequest(r)
	if err != nil {
		return ctlproto.NewWriter().Int32(int32(domain.ErrParams)).Payload(), false
	}
	s.api.RecordMatchGet(req.Pattern, func(rec domain.Record) {
		resp := ctlproto.RecordGetResponse{
			Err: domain.ErrOkay, Class: rec.Class, Type: rec.Type, Name: rec.Name, Value: []byte(rec.Value + "\x00"),
		}
		_ = cc.sendFrame(resp.Encode())
	})
	return ctlproto.TerminatorRecordGetResponse().Encode(), false
}

func (s *Server) handleShutdown(cc *clientConn, r *ctlproto.Reader, immediate, idle shutdown.Action) ([]byte, bool) {
	opt, err := ctlproto.DecodeShutdownRequest(r)
	if err != nil {
		return ctlproto.NewWriter().Int32(int32(domain.ErrParams)).Payload(), false
	}
	action := immediate
	if opt == ctlproto.ShutdownIdle {
		action = idle
	}
	code := s.api.RequestShutdown(fmt.Sprintf("%d", cc.id), action)
	return ctlproto.NewWriter().Int32(int32(code)).Payload(), false
}

func (s *Server) registerEvent(cc *clientConn, name string, register bool) {
	var id *domain.AlarmID
	if name != "" {
		for i := domain.AlarmID(1); int(i) < domain.AlarmIDCount; i++ {
			if i.String() == name {
				id = &i
				break
			}
		}
	}
	if register {
		s.api.Events.Register(cc.id, id)
	} else {
		s.api.Events.Unregister(cc.id, id)
	}
}

// DispatchEvents should be run from a single dispatcher goroutine; it
// drains eventbus and fans EVENT_NOTIFY frames out to subscribed
// clients.
func (s *Server) DispatchEvents() {
	s.api.Events.RunOnce(func(id eventbus.ClientID, ev domain.Event) error {
		s.mu.Lock()
		cc := s.clients[id]
		s.mu.Unlock()
		if cc == nil {
			return fmt.Errorf("ctlserver: client %d gone", id)
		}
		notify := ctlproto.EventNotify{Name: ev.Name, Description: ev.Description}
		return cc.sendFrame(notify.Encode())
	})
}

// peerAuthorized reports whether the socket's peer credentials match
// root or this process' effective uid, consulting a small LRU cache
// keyed by the connection's own client id so a churn of short-lived
// control clients does not force a getsockopt(SO_PEERCRED) syscall per
// request. The key must be the client id, not the raw file descriptor:
// fds are recycled by the kernel the moment a connection closes, so a
// cache keyed by fd would hand a new, unprivileged peer the previous
// occupant's cached credentials. serveClient's cleanup evicts the
// entry on disconnect so nothing outlives its connection anyway.
func (s *Server) peerAuthorized(cc *clientConn) bool {
	uc, ok := cc.conn.(*net.UnixConn)
	if !ok {
		return false
	}

	if cached, ok := s.peerCreds.Get(cc.id); ok {
		cred := cached.(*unix.Ucred)
		return authorizedUID(int(cred.Uid), s.effectiveUID)
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return false
	}

	var cred *unix.Ucred
	var gerr error
	cerr := raw.Control(func(fdv uintptr) {
		cred, gerr = unix.GetsockoptUcred(int(fdv), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if cerr != nil || gerr != nil {
		return false
	}

	s.peerCreds.Add(cc.id, cred)
	return authorizedUID(int(cred.Uid), s.effectiveUID)
}

func authorizedUID(peerUID, effectiveUID int) bool {
	return peerUID == 0 || peerUID == effectiveUID
}
