package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"protero/internal/domain"
	"protero/internal/interface/handler"
	"protero/internal/interface/httprewrite"
	"protero/internal/interface/listener"
	"protero/internal/interface/repository/certificate"
	"protero/internal/interface/repository/logger"
	"protero/internal/usecase"
)

// ErrServerStarted は Start の二重呼び出しを表す
var ErrServerStarted = errors.New("server already started")

// Options はプロキシの設定
type Options struct {
	// Host と Port はプロキシの待ち受けアドレス. Port が0なら空きポート.
	Host string
	Port int
	// CertPath はルートCAとドメイン証明書の保存先. HTTPS が true なら必須.
	CertPath string
	// HTTPS が false なら CONNECT は全てそのまま中継する
	HTTPS bool
	// Intercept は復号する CONNECT 先の判定. nil なら全て復号する.
	Intercept          domain.InterceptPolicy
	RejectUnauthorized bool
	CustomCA           *domain.KeyCertPair
	// Signer が nil なら OpenSSL を使う
	Signer           certificate.Signer
	OpenSSL          string
	KeyBits          int
	CAValidityDays   int
	LeafValidityDays int
	ListenerIdle     time.Duration
	AcceptRate       float64
	AcceptBurst      int
	DecodeResponses  bool
	Logger           domain.Logger
	Metrics          domain.MetricsCollector
}

// Server はプロキシの構成要素を組み立て, 起動と停止を行う
type Server struct {
	opts       Options
	ca         *certificate.Manager
	pool       *listener.Pool
	dispatcher *usecase.Dispatcher
	handler    *handler.ProxyHandler
	logger     domain.Logger
	metrics    domain.MetricsCollector

	mu      sync.Mutex
	started bool
	srv     *http.Server
	ln      net.Listener
	cancel  context.CancelFunc
	served  chan struct{}
}

// New は新しいServerインスタンスを作成. 待ち受けは Start で行う.
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", opts.Port)
	}
	if opts.HTTPS && opts.CertPath == "" {
		return nil, errors.New("cert path is required when https is enabled")
	}

	s := &Server{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		dispatcher: usecase.NewDispatcher(usecase.DispatcherConfig{
			RejectUnauthorized: opts.RejectUnauthorized,
		}),
	}

	if opts.HTTPS {
		signer := opts.Signer
		if signer == nil {
			signer = certificate.NewOpenSSL(opts.OpenSSL)
		}
		ca, err := certificate.New(certificate.Options{
			RootPath:         opts.CertPath,
			CustomCA:         opts.CustomCA,
			Signer:           signer,
			Logger:           opts.Logger,
			Metrics:          opts.Metrics,
			KeyBits:          opts.KeyBits,
			CAValidityDays:   opts.CAValidityDays,
			LeafValidityDays: opts.LeafValidityDays,
		})
		if err != nil {
			return nil, err
		}
		s.ca = ca
		s.pool = listener.NewPool(listener.Options{
			CA:          ca,
			Logger:      opts.Logger,
			Metrics:     opts.Metrics,
			IdleTimeout: opts.ListenerIdle,
		})
	}

	var decode func(*domain.Response) error
	if opts.DecodeResponses {
		decode = httprewrite.Decode
	}

	cfg := handler.ProxyConfig{
		Dispatcher: s.dispatcher,
		Tunnel:     usecase.NewTunnelUseCase(opts.Metrics, opts.Logger),
		Policy:     opts.Intercept,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
		Decode:     decode,
	}
	// nil の *Manager を interface に入れない
	if s.ca != nil {
		cfg.CA = s.ca
		cfg.Pool = s.pool
	}
	s.handler = handler.NewProxyHandler(cfg)
	return s, nil
}

// Subscribe はプロキシの通知を購読する
func (s *Server) Subscribe(o handler.Observer) func() {
	return s.handler.Subscribe(o)
}

// Start はルートCAを準備し, プロキシの待ち受けを開始する.
// 待ち受けを開始した時点で戻る.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.srv != nil {
		return ErrServerStarted
	}

	if s.ca != nil {
		if err := s.ca.Initialize(ctx); err != nil {
			return err
		}
	}

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s.srv = &http.Server{
		Handler:     s.handler,
		ErrorLog:    logger.StdLogger(s.logger, "Proxy server error", nil),
		BaseContext: func(net.Listener) context.Context { return baseCtx },
		ConnState:   s.trackConn,
	}
	s.ln = ln
	s.cancel = cancel
	s.served = make(chan struct{})
	s.started = true

	limited := newLimitListener(baseCtx, ln, s.opts.AcceptRate, s.opts.AcceptBurst)
	go func() {
		defer close(s.served)
		if err := s.srv.Serve(limited); err != nil && !errors.Is(err, http.ErrServerClosed) && baseCtx.Err() == nil {
			s.logger.Error("Proxy server stopped", err, nil)
		}
	}()

	s.logger.Info("Proxy server started", map[string]interface{}{
		"addr":  ln.Addr().String(),
		"https": s.opts.HTTPS,
	})
	return nil
}

func (s *Server) trackConn(_ net.Conn, state http.ConnState) {
	if s.metrics == nil {
		return
	}
	switch state {
	case http.StateNew:
		s.metrics.IncrementConnections()
	case http.StateClosed, http.StateHijacked:
		s.metrics.DecrementConnections()
	}
}

// Addr はプロキシの待ち受けアドレスを返す. Start 前は nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// CACertPath はルートCA証明書のパスを返す. HTTPS が無効なら空.
func (s *Server) CACertPath() string {
	if s.ca == nil {
		return ""
	}
	return s.ca.RootCertificatePath()
}

// CAKeyPath はルートCA秘密鍵のパスを返す. HTTPS が無効なら空.
func (s *Server) CAKeyPath() string {
	if s.ca == nil {
		return ""
	}
	return s.ca.RootKeyPath()
}

// Pool はTLSリスナーのプールを返す. HTTPS が無効なら nil.
func (s *Server) Pool() *listener.Pool {
	return s.pool
}

// Stop は待ち受けを止め, 処理中の接続とプールのリスナーを閉じる
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	srv, cancel, served := s.srv, s.cancel, s.served
	s.mu.Unlock()

	var result *multierror.Error
	if err := srv.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	// Hijack したトンネルは Shutdown の対象外のためコンテキストで止める
	cancel()
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.dispatcher.Close()

	select {
	case <-served:
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}

	s.logger.Info("Proxy server stopped", nil)
	return result.ErrorOrNil()
}
