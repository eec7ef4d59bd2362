package usecase

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"protero/internal/domain"
	"protero/internal/resources"
)

var (
	// ErrExchangeStarted は処理開始後のフック登録を表す
	ErrExchangeStarted = errors.New("exchange already started")
	// ErrExchangeDispatched は送出後の preventRequest を表す
	ErrExchangeDispatched = errors.New("exchange already dispatched")
	// ErrRequestPrevented は preventRequest により何も返さなかったことを表す
	ErrRequestPrevented = errors.New("request prevented")
)

// ExchangeConfig はExchangeの生成に必要な依存と設定
type ExchangeConfig struct {
	// Scheme は "http" か "https"
	Scheme string
	// DefaultPort は Host ヘッダーにポートがない場合の宛先ポート. 0ならスキーム既定
	DefaultPort int
	Dispatcher  *Dispatcher
	Logger      domain.Logger
	Metrics     domain.MetricsCollector
	// Decode は replaceResponse の前にボディを復号する. nil なら復号しない
	Decode func(*domain.Response) error
}

// Exchange はリクエスト/レスポンス1往復分の傍受処理.
// Parsed → (RequestReplaced) → Dispatched → ResponseReceived → (ResponseReplaced) → Sent → Finished
// の順に遷移する.
type Exchange struct {
	id         string
	scheme     string
	inbound    *http.Request
	w          *responseWriter
	dispatcher *Dispatcher
	logger     domain.Logger
	metrics    domain.MetricsCollector
	decode     func(*domain.Response) error

	mu        sync.Mutex
	state     domain.State
	started   bool
	prevented bool
	request   *domain.Request
	response  *domain.Response
	reqT      RequestTransformer
	resT      ResponseTransformer
	observers []*subscription
}

type subscription struct {
	observer ExchangeObserver
}

// NewExchange はインバウンドリクエストを解析してExchangeを作成
func NewExchange(w http.ResponseWriter, r *http.Request, cfg ExchangeConfig) (*Exchange, error) {
	req, err := parseRequest(r, cfg.Scheme, cfg.DefaultPort)
	if err != nil {
		return nil, &domain.ClientProtocolError{Remote: r.RemoteAddr, Err: err}
	}
	return &Exchange{
		id:         uuid.NewString(),
		scheme:     cfg.Scheme,
		inbound:    r,
		w:          &responseWriter{ResponseWriter: w},
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		decode:     cfg.Decode,
		state:      domain.StateParsed,
		request:    req,
	}, nil
}

// parseRequest は宛先とパスを取り出す.
// http は absolute-form の URL から, https は Host ヘッダーから宛先を決める.
func parseRequest(r *http.Request, scheme string, defaultPort int) (*domain.Request, error) {
	var hostname, portStr string
	switch scheme {
	case "http":
		if r.URL.Host == "" {
			return nil, errors.New("request target is not in absolute form")
		}
		hostname, portStr = r.URL.Hostname(), r.URL.Port()
	case "https":
		if r.Host == "" {
			return nil, errors.New("missing Host header")
		}
		u := &url.URL{Host: r.Host}
		hostname, portStr = u.Hostname(), u.Port()
	default:
		return nil, errors.New("unsupported scheme " + scheme)
	}
	if hostname == "" {
		return nil, errors.New("missing destination host")
	}

	port := defaultPort
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || p <= 0 || p > 65535 {
			return nil, errors.New("invalid destination port " + portStr)
		}
		port = p
	}

	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Accept-Encoding")
	header.Del("Host")

	var body domain.Body = domain.NoBody
	if r.Body != nil && r.Body != http.NoBody {
		body = domain.NewStreamBody(r.Body, r.ContentLength)
	}

	return &domain.Request{
		Method:   r.Method,
		Hostname: hostname,
		Port:     port,
		Path:     r.URL.RequestURI(),
		Header:   header,
		Body:     body,
	}, nil
}

// ID はエクスチェンジの識別子を返す
func (e *Exchange) ID() string { return e.id }

// Scheme は "http" か "https" を返す
func (e *Exchange) Scheme() string { return e.scheme }

// Inbound はクライアントから受け取ったリクエストを返す
func (e *Exchange) Inbound() *http.Request { return e.inbound }

// ResponseWriter はクライアントへのレスポンスライターを返す.
// preventRequest したフックが独自のレスポンスを書くために使う.
func (e *Exchange) ResponseWriter() http.ResponseWriter { return e.w }

// Request は送出する(または送出した)リクエストを返す
func (e *Exchange) Request() *domain.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.request
}

// Response は受信した(または置き換えた)レスポンスを返す. 受信前は nil.
func (e *Exchange) Response() *domain.Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response
}

// State は現在の状態を返す
func (e *Exchange) State() domain.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// URL は scheme://host[:port]/path を返す. 既定ポートは省略する.
func (e *Exchange) URL() string {
	req := e.Request()
	return e.scheme + "://" + hostPort(e.scheme, req.Hostname, req.Port) + req.Path
}

// ReplaceRequest は送出前にリクエストを置き換えるフックを登録する
func (e *Exchange) ReplaceRequest(t RequestTransformer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrExchangeStarted
	}
	e.reqT = t
	return nil
}

// ReplaceResponse はクライアントへ返す前にレスポンスを置き換えるフックを登録する
func (e *Exchange) ReplaceResponse(t ResponseTransformer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrExchangeStarted
	}
	e.resT = t
	return nil
}

// Subscribe はライフサイクル通知の購読を登録し, 解除関数を返す
func (e *Exchange) Subscribe(o ExchangeObserver) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil, ErrExchangeStarted
	}
	s := &subscription{observer: o}
	e.observers = append(e.observers, s)
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, cur := range e.observers {
			if cur == s {
				e.observers = append(e.observers[:i], e.observers[i+1:]...)
				return
			}
		}
	}, nil
}

// PreventRequest はアップストリームへの送出を取りやめる. 送出後は呼べない.
func (e *Exchange) PreventRequest() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state >= domain.StateDispatched {
		return ErrExchangeDispatched
	}
	e.prevented = true
	return nil
}

// Serve はリクエストを送出し, レスポンスをクライアントへ返す.
// 失敗時はエラーページを返し, error 通知の後にエラーを返す.
func (e *Exchange) Serve(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrExchangeStarted
	}
	e.started = true
	prevented := e.prevented
	reqT, resT := e.reqT, e.resT
	req := e.request
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordRequest()
	}
	if prevented {
		return e.abort()
	}

	if reqT != nil {
		replaced, err := reqT.TransformRequest(ctx, req, e)
		if err != nil {
			return e.fail(http.StatusInternalServerError, err)
		}
		if replaced != nil {
			req = replaced
		}
		e.mu.Lock()
		e.request = req
		e.state = domain.StateRequestReplaced
		prevented = e.prevented
		e.mu.Unlock()
		if prevented {
			return e.abort()
		}
	}

	e.setState(domain.StateDispatched)
	res, err := e.dispatcher.Dispatch(ctx, e.scheme, req, func() {
		e.emit(func(o ExchangeObserver) { o.OnRequestFinish(e) })
	})
	if err != nil {
		status := http.StatusBadGateway
		if isTimeout(err) {
			status = http.StatusGatewayTimeout
		}
		return e.fail(status, &domain.UpstreamDispatchError{Host: req.Addr(e.scheme), Err: err})
	}
	upstream := res.Body
	defer upstream.Close()

	e.mu.Lock()
	e.response = res
	e.state = domain.StateResponseReceived
	e.mu.Unlock()
	e.emit(func(o ExchangeObserver) { o.OnResponse(e) })

	if resT != nil {
		if e.decode != nil {
			// 失敗したボディは元のまま送る
			if err := e.decode(res); err != nil {
				e.logger.Warn("Failed to decode response body", map[string]interface{}{
					"id":    e.id,
					"url":   e.URL(),
					"error": err.Error(),
				})
			}
		}
		replaced, err := resT.TransformResponse(ctx, res, e)
		if err != nil {
			return e.fail(http.StatusInternalServerError, err)
		}
		if replaced != nil {
			res = replaced
		}
		e.mu.Lock()
		e.response = res
		e.state = domain.StateResponseReplaced
		e.mu.Unlock()
	}

	n, err := writeResponse(e.w, req.Method, res, func() { e.setState(domain.StateSent) })
	if e.metrics != nil {
		e.metrics.AddBytesTransferred(n)
	}
	if err != nil {
		return e.fail(http.StatusBadGateway, err)
	}

	e.setState(domain.StateFinished)
	e.emit(func(o ExchangeObserver) { o.OnFinish(e) })
	return nil
}

func (e *Exchange) abort() error {
	e.setState(domain.StateAborted)
	if e.metrics != nil {
		e.metrics.RecordAbortedRequest()
	}
	e.logger.Debug("Request prevented", map[string]interface{}{"id": e.id, "url": e.URL()})
	e.emit(func(o ExchangeObserver) { o.OnAbort(e) })

	if e.w.written() {
		return nil
	}
	return ErrRequestPrevented
}

// fail はエラーページを返してから error 通知を行う.
// ヘッダー送信後はページを書けないため通知のみ.
func (e *Exchange) fail(status int, err error) error {
	e.setState(domain.StateErrored)
	if e.metrics != nil {
		e.metrics.RecordError()
	}
	e.logger.Error("Exchange failed", err, map[string]interface{}{
		"id":     e.id,
		"url":    e.URL(),
		"status": status,
	})

	if !e.w.written() {
		resources.WriteError(e.w, status)
	}
	e.emit(func(o ExchangeObserver) { o.OnError(e, err) })
	return err
}

func (e *Exchange) setState(s domain.State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Exchange) emit(fn func(ExchangeObserver)) {
	e.mu.Lock()
	subs := append([]*subscription(nil), e.observers...)
	e.mu.Unlock()
	for _, s := range subs {
		fn(s.observer)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
