package handler

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"protero/internal/domain"
	"protero/internal/interface/listener"
	"protero/internal/interface/repository/logger"
	"protero/internal/resources"
	"protero/internal/usecase"
)

// ProxyConfig はProxyHandlerの依存
type ProxyConfig struct {
	Dispatcher *usecase.Dispatcher
	Tunnel     *usecase.TunnelUseCase
	// Pool が nil なら CONNECT は全てそのまま中継する
	Pool    *listener.Pool
	Policy  domain.InterceptPolicy
	CA      domain.CertificateAuthority
	Logger  domain.Logger
	Metrics domain.MetricsCollector
	// Decode は replaceResponse の前にボディを復号する. nil なら復号しない
	Decode func(*domain.Response) error
}

// ProxyHandler はプロキシの入口. 平文のリクエストと CONNECT を振り分ける.
type ProxyHandler struct {
	dispatcher *usecase.Dispatcher
	tunnel     *usecase.TunnelUseCase
	pool       *listener.Pool
	policy     domain.InterceptPolicy
	ca         domain.CertificateAuthority
	logger     domain.Logger
	metrics    domain.MetricsCollector
	decode     func(*domain.Response) error
	events     hub
}

// NewProxyHandler は新しいProxyHandlerインスタンスを作成.
// プールに新しいリスナーが作られると, そのリスナーで復号したリクエストも処理する.
func NewProxyHandler(cfg ProxyConfig) *ProxyHandler {
	h := &ProxyHandler{
		dispatcher: cfg.Dispatcher,
		tunnel:     cfg.Tunnel,
		pool:       cfg.Pool,
		policy:     cfg.Policy,
		ca:         cfg.CA,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		decode:     cfg.Decode,
	}
	if h.policy == nil {
		h.policy = domain.InterceptAll
	}
	if h.pool != nil {
		h.pool.OnNew(func(l *listener.Listener) {
			go h.serveListener(l)
		})
	}
	return h
}

// Subscribe は通知の購読を登録し, 解除関数を返す
func (h *ProxyHandler) Subscribe(o Observer) func() {
	return h.events.subscribe(o)
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		h.handleConnect(w, r)
	case r.URL.Host == "":
		// origin-form はプロキシ自身へのリクエスト
		h.serveDirect(w, r)
	default:
		h.serveExchange(w, r, "http")
	}
}

// serveExchange はリクエストをエクスチェンジとして処理する
func (h *ProxyHandler) serveExchange(w http.ResponseWriter, r *http.Request, scheme string) {
	ex, err := usecase.NewExchange(w, r, usecase.ExchangeConfig{
		Scheme:     scheme,
		Dispatcher: h.dispatcher,
		Logger:     h.logger,
		Metrics:    h.metrics,
		Decode:     h.decode,
	})
	if err != nil {
		h.logger.Warn("Malformed request", map[string]interface{}{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		resources.WriteError(w, http.StatusBadRequest)
		return
	}

	h.events.open(ex)

	if err := ex.Serve(r.Context()); errors.Is(err, usecase.ErrRequestPrevented) {
		// 応答を書かずに接続を閉じる
		panic(http.ErrAbortHandler)
	}
}

// serveListener はプールのリスナーで復号したリクエストを処理する
func (h *ProxyHandler) serveListener(l *listener.Listener) {
	errorLog := logger.StdLogger(h.logger, "TLS listener error", map[string]interface{}{
		"domain": l.Domain(),
	})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.serveExchange(w, r, "https")
	})
	if err := l.Serve(handler, errorLog); err != nil && !errors.Is(err, listener.ErrListenerClosed) {
		h.logger.Error("TLS listener stopped", err, map[string]interface{}{"domain": l.Domain()})
	}
}

// handleConnect は CONNECT 先をそのまま中継するか, プールのリスナーへ中継して復号する
func (h *ProxyHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	tunnel, err := parseTarget(r.Host)
	if err != nil {
		h.logger.Warn("Malformed CONNECT target", map[string]interface{}{
			"remote": r.RemoteAddr,
			"target": r.Host,
		})
		resources.WriteError(w, http.StatusBadRequest)
		return
	}

	tunnel.Intercepted = h.pool != nil && h.policy.ShouldIntercept(tunnel.Target())
	if h.metrics != nil {
		h.metrics.RecordTunnel(tunnel.Intercepted)
	}

	var upstream net.Conn
	if tunnel.Intercepted {
		var l *listener.Listener
		if l, err = h.pool.GetListener(r.Context(), tunnel.Host); err == nil {
			upstream, err = h.tunnel.Dial(r.Context(), l.Addr().String())
		}
	} else {
		upstream, err = h.tunnel.Dial(r.Context(), tunnel.Target())
	}
	if err != nil {
		tunnel.Interrupted = true
		tunnel.Err = err
		h.events.connect(tunnel)
		if h.metrics != nil {
			h.metrics.RecordError()
		}
		h.logger.Error("Tunnel setup failed", err, map[string]interface{}{
			"target":      tunnel.Target(),
			"intercepted": tunnel.Intercepted,
		})
		resources.WriteError(w, http.StatusBadGateway)
		return
	}
	h.events.connect(tunnel)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		h.logger.Error("Hijacking not supported", nil, nil)
		resources.WriteError(w, http.StatusInternalServerError)
		return
	}

	clientConn, brw, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		h.logger.Error("Hijacking failed", err, nil)
		resources.WriteError(w, http.StatusInternalServerError)
		return
	}

	// クライアントの HTTP バージョンに合わせて応答する
	reply := fmt.Sprintf("HTTP/%d.%d 200 OK\r\n\r\n", r.ProtoMajor, r.ProtoMinor)
	if _, err := clientConn.Write([]byte(reply)); err != nil {
		clientConn.Close()
		upstream.Close()
		h.logger.Error("Failed to write CONNECT response", err, map[string]interface{}{
			"target": tunnel.Target(),
		})
		return
	}

	h.logger.Debug("Tunnel established", map[string]interface{}{
		"target":      tunnel.Target(),
		"intercepted": tunnel.Intercepted,
	})
	if err := h.tunnel.Splice(r.Context(), usecase.BufferedConn(clientConn, brw.Reader), upstream); err != nil {
		h.logger.Error("Tunnel handling failed", err, map[string]interface{}{
			"target": tunnel.Target(),
		})
	}
}

// parseTarget は CONNECT の host:port を解析する. ポートがなければ 443.
func parseTarget(target string) (*domain.Tunnel, error) {
	if target == "" {
		return nil, errors.New("empty CONNECT target")
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return &domain.Tunnel{Host: strings.Trim(target, "[]"), Port: 443}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 || host == "" {
		return nil, fmt.Errorf("invalid CONNECT target %q", target)
	}
	return &domain.Tunnel{Host: host, Port: port}, nil
}
