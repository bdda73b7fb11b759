package ctlproto

import "github.com/tscore/tscore/domain"

// Each Go struct below is the fixed, ordered field schema for one row of
// the control protocol's op table. Encode/Decode pairs are symmetric so
// that decode(encode(v)) == v for any valid v.

// ---- RECORD_SET ----

type RecordSetRequest struct {
	Name  string
	Value string
}

func (m RecordSetRequest) Encode() []byte {
	return NewWriter().Int32(int32(OpRecordSet)).String(m.Name).String(m.Value).Payload()
}

func DecodeRecordSetRequest(r *Reader) (RecordSetRequest, error) {
	var m RecordSetRequest
	var err error
	if m.Name, err = r.String(); err != nil {
		return m, err
	}
	if m.Value, err = r.String(); err != nil {
		return m, err
	}
	return m, nil
}

type RecordSetResponse struct {
	Err          domain.ErrCode
	ActionNeeded int32
}

func (m RecordSetResponse) Encode() []byte {
	return NewWriter().Int32(int32(m.Err)).Int32(m.ActionNeeded).Payload()
}

// ---- RECORD_GET ----

type RecordGetRequest struct {
	Name string
}

func (m RecordGetRequest) Encode() []byte {
	return NewWriter().Int32(int32(OpRecordGet)).String(m.Name).Payload()
}

func DecodeRecordGetRequest(r *Reader) (RecordGetRequest, error) {
	name, err := r.String()
	return RecordGetRequest{Name: name}, err
}

type RecordGetResponse struct {
	Err   domain.ErrCode
	Class domain.RecordClass
	Type  domain.RecordType
	Name  string
	Value []byte
}

func (m RecordGetResponse) Encode() []byte {
	return NewWriter().Int32(int32(m.Err)).Int32(int32(m.Class)).Int32(int32(m.Type)).
		String(m.Name).Bytes(m.Value).Payload()
}

func DecodeRecordGetResponse(r *Reader) (RecordGetResponse, error) {
	var m RecordGetResponse
	v, err := r.Int32()
	if err != nil {
		return m, err
	}
	m.Err = domain.ErrCode(v)
	if v, err = r.Int32(); err != nil {
		return m, err
	}
	m.Class = domain.RecordClass(v)
	if v, err = r.Int32(); err != nil {
		return m, err
	}
	m.Type = domain.RecordType(v)
	if m.Name, err = r.String(); err != nil {
		return m, err
	}
	if m.Value, err = r.Bytes(); err != nil {
		return m, err
	}
	return m, nil
}

// ---- RECORD_MATCH_GET ----

type RecordMatchGetRequest struct {
	Pattern string
}

func (m RecordMatchGetRequest) Encode() []byte {
	return NewWriter().Int32(int32(OpRecordMatchGet)).String(m.Pattern).Payload()
}

func DecodeRecordMatchGetRequest(r *Reader) (RecordMatchGetRequest, error) {
	p, err := r.String()
	return RecordMatchGetRequest{Pattern: p}, err
}

// RECORD_MATCH_GET responses are a stream of RecordGetResponse terminated
// by one with an empty Name ("terminated by a record with null
// name").
func TerminatorRecordGetResponse() RecordGetResponse {
	return RecordGetResponse{Err: domain.ErrOkay, Name: ""}
}

// ---- RECORD_DESCRIBE_CONFIG ----

type RecordDescribeConfigRequest struct {
	Name  string
	Flags int32
}

func (m RecordDescribeConfigRequest) Encode() []byte {
	return NewWriter().Int32(int32(OpRecordDescribeConfig)).String(m.Name).Int32(m.Flags).Payload()
}

func DecodeRecordDescribeConfigRequest(r *Reader) (RecordDescribeConfigRequest, error) {
	var m RecordDescribeConfigRequest
	var err error
	if m.Name, err = r.String(); err != nil {
		return m, err
	}
	if m.Flags, err = r.Int32(); err != nil {
		return m, err
	}
	return m, nil
}

type RecordDescribeConfigResponse struct {
	Err        domain.ErrCode
	Type       int32
	Class      int32
	Version    int32
	RsbID      int32
	Order      int32
	Access     int32
	Update     int32
	UpdateType int32
	CheckType  int32
	Source     int32
	CheckExpr  string
	Value      string
	Default    string
}

func (m RecordDescribeConfigResponse) Encode() []byte {
	return NewWriter().Int32(int32(m.Err)).Int32(m.Type).Int32(m.Class).Int32(m.Version).
		Int32(m.RsbID).Int32(m.Order).Int32(m.Access).Int32(m.Update).Int32(m.UpdateType).
		Int32(m.CheckType).Int32(m.Source).String(m.CheckExpr).String(m.Value).String(m.Default).
		Payload()
}

// ---- PROXY_STATE_GET / SET ----

type ProxyStateGetResponse struct {
	Err   domain.ErrCode
	State int32
}

func (m ProxyStateGetResponse) Encode() []byte {
	return NewWriter().Int32(int32(m.Err)).Int32(m.State).Payload()
}

type ProxyStateSetRequest struct {
	State      int32
	CacheClear int32
}

func (m ProxyStateSetRequest) Encode() []byte {
	return NewWriter().Int32(int32(OpProxyStateSet)).Int32(m.State).Int32(m.CacheClear).Payload()
}

func DecodeProxyStateSetRequest(r *Reader) (ProxyStateSetRequest, error) {
	var m ProxyStateSetRequest
	var err error
	if m.State, err = r.Int32(); err != nil {
		return m, err
	}
	if m.CacheClear, err = r.Int32(); err != nil {
		return m, err
	}
	return m, nil
}

// ---- shutdown-family ops: RESTART / BOUNCE / STOP / DRAIN ----

// ShutdownOption mirrors the bit the original packs into "options":
// whether the action should wait for idle.
type ShutdownOption int32

const (
	ShutdownImmediate ShutdownOption = 0
	ShutdownIdle      ShutdownOption = 1
)

type ShutdownRequest struct {
	Op      OpType
	Options ShutdownOption
}

func (m ShutdownRequest) Encode() []byte {
	return NewWriter().Int32(int32(m.Op)).Int32(int32(m.Options)).Payload()
}

func DecodeShutdownRequest(r *Reader) (ShutdownOption, error) {
	v, err := r.Int32()
	return ShutdownOption(v), err
}

// ---- RECONFIGURE ----

func EncodeReconfigureRequest() []byte {
	return NewWriter().Int32(int32(OpReconfigure)).Payload()
}

// ---- simple Err-only responses (RECONFIGURE, RESTART, BOUNCE, STOP,
// DRAIN, EVENT_RESOLVE, HOST_STATUS_*, STATS_RESET_NODE,
// STORAGE_DEVICE_CMD_OFFLINE, LIFECYCLE_MESSAGE) ----

type ErrResponse struct {
	Err domain.ErrCode
}

func (m ErrResponse) Encode() []byte {
	return NewWriter().Int32(int32(m.Err)).Payload()
}

func DecodeErrResponse(r *Reader) (ErrResponse, error) {
	v, err := r.Int32()
	return ErrResponse{Err: domain.ErrCode(v)}, err
}

// ---- EVENT_RESOLVE ----

type NameRequest struct {
	Op   OpType
	Name string
}

func (m NameRequest) Encode() []byte {
	return NewWriter().Int32(int32(m.Op)).String(m.Name).Payload()
}

func DecodeNameRequest(r *Reader) (string, error) { return r.String() }

// ---- EVENT_GET_MLT ----

type EventGetMLTResponse struct {
	Err  domain.ErrCode
	List string // ':'-delimited
}

func (m EventGetMLTResponse) Encode() []byte {
	return NewWriter().Int32(int32(m.Err)).String(m.List).Payload()
}

// ---- EVENT_ACTIVE ----

type EventActiveResponse struct {
	Err    domain.ErrCode
	Active bool
}

func (m EventActiveResponse) Encode() []byte {
	b := int32(0)
	if m.Active {
		b = 1
	}
	return NewWriter().Int32(int32(m.Err)).Int32(b).Payload()
}

// ---- EVENT_REG_CALLBACK / EVENT_UNREG_CALLBACK: no response ----

// ---- EVENT_NOTIFY (server -> client, no request/response pairing) ----

type EventNotify struct {
	Name        string
	Description string
}

func (m EventNotify) Encode() []byte {
	return NewWriter().Int32(int32(OpEventNotify)).String(m.Name).String(m.Description).Payload()
}

func DecodeEventNotify(r *Reader) (EventNotify, error) {
	var m EventNotify
	var err error
	if m.Name, err = r.String(); err != nil {
		return m, err
	}
	if m.Description, err = r.String(); err != nil {
		return m, err
	}
	return m, nil
}

// ---- STATS_RESET_NODE / STORAGE_DEVICE_CMD_OFFLINE share NameRequest ----

// ---- API_PING ----

type APIPingRequest struct {
	Stamp int32
}

func (m APIPingRequest) Encode() []byte {
	return NewWriter().Int32(int32(OpAPIPing)).Int32(m.Stamp).Payload()
}

func DecodeAPIPingRequest(r *Reader) (APIPingRequest, error) {
	v, err := r.Int32()
	return APIPingRequest{Stamp: v}, err
}

// ---- HOST_STATUS_UP / HOST_STATUS_DOWN ----

type HostStatusRequest struct {
	Op       OpType
	Host     string
	Reason   string
	DownTime int32
}

func (m HostStatusRequest) Encode() []byte {
	return NewWriter().Int32(int32(m.Op)).String(m.Host).String(m.Reason).Int32(m.DownTime).Payload()
}

func DecodeHostStatusRequest(r *Reader) (HostStatusRequest, error) {
	var m HostStatusRequest
	var err error
	if m.Host, err = r.String(); err != nil {
		return m, err
	}
	if m.Reason, err = r.String(); err != nil {
		return m, err
	}
	if m.DownTime, err = r.Int32(); err != nil {
		return m, err
	}
	return m, nil
}

// ---- LIFECYCLE_MESSAGE ----

type LifecycleMessageRequest struct {
	Tag  string
	Data []byte
}

func (m LifecycleMessageRequest) Encode() []byte {
	return NewWriter().Int32(int32(OpLifecycleMessage)).String(m.Tag).Bytes(m.Data).Payload()
}

func DecodeLifecycleMessageRequest(r *Reader) (LifecycleMessageRequest, error) {
	var m LifecycleMessageRequest
	var err error
	if m.Tag, err = r.String(); err != nil {
		return m, err
	}
	if m.Data, err = r.Bytes(); err != nil {
		return m, err
	}
	return m, nil
}

// ---- SERVER_BACKTRACE ----

type ServerBacktraceRequest struct {
	Options int32
}

func (m ServerBacktraceRequest) Encode() []byte {
	return NewWriter().Int32(int32(OpServerBacktrace)).Int32(m.Options).Payload()
}

func DecodeServerBacktraceRequest(r *Reader) (ServerBacktraceRequest, error) {
	v, err := r.Int32()
	return ServerBacktraceRequest{Options: v}, err
}

type ServerBacktraceResponse struct {
	Err   domain.ErrCode
	Trace string
}

func (m ServerBacktraceResponse) Encode() []byte {
	return NewWriter().Int32(int32(m.Err)).String(m.Trace).Payload()
}
