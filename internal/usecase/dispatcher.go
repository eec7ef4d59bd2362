package usecase

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"protero/internal/domain"
)

// hopHeaders はホップごとのヘッダー. 転送時に取り除く.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, f := range header["Connection"] {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// DispatcherConfig はアップストリーム接続の設定
type DispatcherConfig struct {
	// RejectUnauthorized が false ならアップストリームの証明書検証を行わない
	RejectUnauthorized bool
	DialTimeout        time.Duration
}

// Dispatcher はリクエストをオリジンサーバーへ送出する
type Dispatcher struct {
	transport *http.Transport
}

// NewDispatcher は新しいDispatcherを作成
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &Dispatcher{
		transport: &http.Transport{
			Proxy: nil,
			DialContext: (&net.Dialer{
				Timeout:   cfg.DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: !cfg.RejectUnauthorized,
				NextProtos:         []string{"http/1.1"},
			},
			TLSNextProto:          map[string]func(string, *tls.Conn) http.RoundTripper{},
			ForceAttemptHTTP2:     false,
			DisableCompression:    true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Dispatch は req を scheme でオリジンへ送り, レスポンスヘッダー受信時点で返す.
// onSent はリクエストボディを送り切ったときに1回だけ呼ばれる.
func (d *Dispatcher) Dispatch(ctx context.Context, scheme string, req *domain.Request, onSent func()) (*domain.Response, error) {
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	removeHopHeaders(header)

	out := &http.Request{
		Method:     req.Method,
		URL:        &url.URL{Scheme: scheme, Host: hostPort(scheme, req.Hostname, req.Port)},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
	}
	if out.Method == "" {
		out.Method = http.MethodGet
	}
	if err := setRequestURI(out.URL, req.Path); err != nil {
		return nil, err
	}
	// フックが Host を指定した場合はそれを使う
	if host := header.Get("Host"); host != "" {
		out.Host = host
	}
	header.Del("Host")
	// Go の既定 User-Agent を付与しない
	if _, ok := header["User-Agent"]; !ok {
		header["User-Agent"] = []string{""}
	}

	var once sync.Once
	sent := func() {
		if onSent != nil {
			once.Do(onSent)
		}
	}

	body := req.Body
	if body == nil {
		body = domain.NoBody
	}
	if domain.IsEmpty(body) || body.Len() == 0 {
		body.Close()
		out.Body = http.NoBody
		out.ContentLength = 0
	} else {
		out.Body = &eofNotifier{ReadCloser: body.Reader(), onEOF: sent}
		out.ContentLength = body.Len()
		if _, ok := body.(domain.BufferBody); ok {
			out.GetBody = func() (io.ReadCloser, error) { return body.Reader(), nil }
		}
	}

	resp, err := d.transport.RoundTrip(out.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	sent()

	removeHopHeaders(resp.Header)
	res := &domain.Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   domain.NewStreamBody(resp.Body, resp.ContentLength),
	}
	if resp.ContentLength == 0 || req.Method == http.MethodHead {
		resp.Body.Close()
		res.Body = domain.NoBody
	}
	return res, nil
}

// Close はアイドル接続を閉じる
func (d *Dispatcher) Close() {
	d.transport.CloseIdleConnections()
}

// hostPort はスキーム既定のポートを省いた host[:port] を返す
func hostPort(scheme, hostname string, port int) string {
	if port == 0 || port == domain.DefaultPort(scheme) {
		if strings.Contains(hostname, ":") {
			return "[" + hostname + "]"
		}
		return hostname
	}
	return net.JoinHostPort(hostname, strconv.Itoa(port))
}

// setRequestURI は origin-form のパスを u に設定する
func setRequestURI(u *url.URL, path string) error {
	if path == "" {
		path = "/"
	}
	ref, err := url.ParseRequestURI(path)
	if err != nil {
		return err
	}
	u.Path = ref.Path
	u.RawPath = ref.RawPath
	u.RawQuery = ref.RawQuery
	return nil
}

// eofNotifier はボディを読み切ったときに onEOF を呼ぶ
type eofNotifier struct {
	io.ReadCloser
	onEOF func()
}

func (r *eofNotifier) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if err == io.EOF {
		r.onEOF()
	}
	return n, err
}
