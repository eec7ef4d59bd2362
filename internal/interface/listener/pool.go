package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"protero/internal/domain"
)

// DefaultIdleTimeout はリスナーを閉じるまでの無通信時間.
const DefaultIdleTimeout = 10 * time.Minute

// ErrPoolClosed は閉じられたプールへの要求を表す.
var ErrPoolClosed = errors.New("listener pool closed")

// Options はPoolの設定
type Options struct {
	CA          domain.CertificateAuthority
	Logger      domain.Logger
	Metrics     domain.MetricsCollector
	IdleTimeout time.Duration
	// BindHost は待ち受けるホスト. 空なら 127.0.0.1
	BindHost string
}

// Pool はドメインごとのTLSリスナーを管理する
type Pool struct {
	mu        sync.RWMutex
	listeners map[string]*Listener
	// draining はプールから外れたが処理中の接続が残っているリスナー
	draining map[*Listener]struct{}
	closed   bool
	onNew    []func(*Listener)

	group    singleflight.Group
	ca       domain.CertificateAuthority
	logger   domain.Logger
	metrics  domain.MetricsCollector
	idle     time.Duration
	bindHost string
}

// NewPool は新しいPoolインスタンスを作成
func NewPool(opts Options) *Pool {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.BindHost == "" {
		opts.BindHost = "127.0.0.1"
	}
	return &Pool{
		listeners: make(map[string]*Listener),
		draining:  make(map[*Listener]struct{}),
		ca:        opts.CA,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		idle:      opts.IdleTimeout,
		bindHost:  opts.BindHost,
	}
}

// OnNew は新しいリスナーが登録されたときに呼ばれる関数を追加する.
// 関数は GetListener の中で同期的に呼ばれる.
func (p *Pool) OnNew(fn func(*Listener)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNew = append(p.onNew, fn)
}

// GetListener はドメインのリスナーを返す. なければ証明書を取得して作成する.
// 同一ドメインへの同時呼び出しは1つの作成処理にまとめられる.
// 作成処理は呼び出し元のキャンセルの影響を受けず, ctx は待機のみを打ち切る.
func (p *Pool) GetListener(ctx context.Context, domainName string) (*Listener, error) {
	if l, ok := p.lookupLive(domainName); ok {
		return l, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := p.group.DoChan(domainName, func() (interface{}, error) {
		if l, ok := p.lookupLive(domainName); ok {
			return l, nil
		}
		return p.create(shared, domainName)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Listener), nil
	}
}

// lookupLive は登録済みで閉じていないリスナーを返し, アイドルタイマーを巻き戻す
func (p *Pool) lookupLive(domainName string) (*Listener, bool) {
	l, ok := p.Lookup(domainName)
	if !ok || !l.Touch() {
		return nil, false
	}
	return l, true
}

func (p *Pool) create(ctx context.Context, domainName string) (*Listener, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	pair, err := p.ca.GetCertificate(ctx, domainName)
	if err != nil {
		return nil, err
	}
	cert, err := pair.TLSCertificate()
	if err != nil {
		return nil, &domain.CertificateIssuanceError{Domain: domainName, Err: err}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(p.bindHost, "0"))
	if err != nil {
		return nil, err
	}
	tlsLn := tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"http/1.1"},
	})

	l := newListener(domainName, tlsLn, p.idle, p.remove)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		l.onClose = nil
		l.Close()
		return nil, ErrPoolClosed
	}
	p.listeners[domainName] = l
	callbacks := append([]func(*Listener){}, p.onNew...)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordListenerOpened()
	}
	p.logger.Info("Listener created", map[string]interface{}{
		"domain": domainName,
		"addr":   l.Addr().String(),
	})

	for _, fn := range callbacks {
		fn(l)
	}
	return l, nil
}

// remove はリスナーが閉じられたときにマップから取り除く
func (p *Pool) remove(l *Listener) {
	p.mu.Lock()
	if cur, ok := p.listeners[l.domain]; ok && cur == l {
		delete(p.listeners, l.domain)
	}
	p.draining[l] = struct{}{}
	p.mu.Unlock()

	go func() {
		<-l.Done()
		p.mu.Lock()
		delete(p.draining, l)
		p.mu.Unlock()
	}()

	if p.metrics != nil {
		p.metrics.RecordListenerClosed()
	}
	p.logger.Info("Listener closed", map[string]interface{}{"domain": l.domain})
}

// Lookup は登録済みのリスナーを返す
func (p *Pool) Lookup(domainName string) (*Listener, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.listeners[domainName]
	return l, ok
}

// Len は登録済みのリスナー数を返す
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.listeners)
}

// Close は終了待ちのものを含め全てのリスナーを閉じる
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	listeners := make([]*Listener, 0, len(p.listeners)+len(p.draining))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	for l := range p.draining {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()

	var result *multierror.Error
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
