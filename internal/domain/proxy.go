package domain

import (
	"net"
	"net/http"
	"strconv"
)

// Request はアップストリームへ送出するリクエストを表す.
type Request struct {
	Method   string
	Hostname string
	Port     int
	Path     string
	Header   http.Header
	Body     Body
}

// Response はクライアントへ返却するレスポンスを表す.
type Response struct {
	Status int
	Header http.Header
	Body   Body
}

// Clone はヘッダーを複製した浅いコピーを返す. ボディは共有される.
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	return &c
}

// Addr は host:port 形式の宛先を返す.
func (r *Request) Addr(scheme string) string {
	port := r.Port
	if port == 0 {
		port = DefaultPort(scheme)
	}
	return net.JoinHostPort(r.Hostname, strconv.Itoa(port))
}

// Clone はヘッダーを複製した浅いコピーを返す.
func (r *Response) Clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	return &c
}

// DefaultPort はスキームの既定ポートを返す.
func DefaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// State はエクスチェンジの状態を表す.
type State int

const (
	StateParsed State = iota
	StateRequestReplaced
	StateDispatched
	StateResponseReceived
	StateResponseReplaced
	StateSent
	StateFinished
	StateErrored
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateRequestReplaced:
		return "request-replaced"
	case StateDispatched:
		return "dispatched"
	case StateResponseReceived:
		return "response-received"
	case StateResponseReplaced:
		return "response-replaced"
	case StateSent:
		return "sent"
	case StateFinished:
		return "finished"
	case StateErrored:
		return "errored"
	case StateAborted:
		return "aborted"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Tunnel は CONNECT ネゴシエーション1回分の記録.
type Tunnel struct {
	Host        string
	Port        int
	Intercepted bool
	Interrupted bool
	Err         error
}

// Target は CONNECT の宛先を host:port で返す.
func (t *Tunnel) Target() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}
