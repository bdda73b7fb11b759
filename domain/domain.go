// Package domain holds the types shared across the supervision, control
// and health-probing core: the process-wide Context, plus the
// wire-visible enumerations (error codes, alarm ids, record kinds) that
// more than one package needs to agree on.
package domain

import (
	"github.com/sirupsen/logrus"
)

// Context is constructed once per process by bootstrap.NewContext.
// Subsystems are not handed the Context itself: each constructor takes
// its logger (a *logrus.Entry) explicitly instead of reading a
// package-level global.
type Context struct {
	Log      *logrus.Entry
	Role     string // "watchdog", "manager" or "server"
	RunDir   string // runtime-dir: lock files and sockets live here
	SysDir   string // sysconfdir: records.config lives here
	BinDir   string // bindir: manager/server binaries live here
	LogDir   string // logdir: bound stdout/stderr files live here
	Hostname string
}

// Sub returns a child context that logs with an extra field, everything
// else copied verbatim, so a caller can tag log lines (e.g. per accepted
// connection) without mutating the parent's logger.
func (c *Context) Sub(field string, value interface{}) *Context {
	cp := *c
	cp.Log = c.Log.WithField(field, value)
	return &cp
}

// ErrCode is the error taxonomy carried as the first Int32 of every
// control-protocol response.
type ErrCode int32

const (
	ErrOkay ErrCode = iota
	ErrParams
	ErrPermissionDenied
	ErrNetRead
	ErrNetWrite
	ErrNetEstablish
	ErrNetEOF
	ErrFail
	ErrSysCall
	ErrFatalConfig
	ErrTimeout
)

func (e ErrCode) String() string {
	switch e {
	case ErrOkay:
		return "OKAY"
	case ErrParams:
		return "PARAMS"
	case ErrPermissionDenied:
		return "PERMISSION_DENIED"
	case ErrNetRead:
		return "NET_READ"
	case ErrNetWrite:
		return "NET_WRITE"
	case ErrNetEstablish:
		return "NET_ESTABLISH"
	case ErrNetEOF:
		return "NET_EOF"
	case ErrFail:
		return "FAIL"
	case ErrSysCall:
		return "SYS_CALL"
	case ErrFatalConfig:
		return "FATAL_CONFIG"
	case ErrTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// CodedError pairs an ErrCode with the underlying cause, so a caller that
// only has an error can still recover which wire error code to report.
type CodedError struct {
	Code  ErrCode
	Cause error
}

func (e *CodedError) Error() string { return e.Code.String() + ": " + e.Cause.Error() }
func (e *CodedError) Unwrap() error { return e.Cause }

// WrapErr tags err with code, for callers that need to turn a Go error
// back into a wire ErrCode later.
func WrapErr(code ErrCode, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Cause: err}
}

// CodeOf extracts the ErrCode from err if it (or something it wraps) is a
// *CodedError; otherwise it returns fallback.
func CodeOf(err error, fallback ErrCode) ErrCode {
	var ce *CodedError
	for err != nil {
		if c, ok := err.(*CodedError); ok {
			ce = c
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if ce != nil {
		return ce.Code
	}
	return fallback
}
