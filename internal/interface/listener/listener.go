package listener

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// ErrListenerClosed は閉じられたリスナーに対する操作を表す.
var ErrListenerClosed = errors.New("listener closed")

// Listener はドメインごとのTLS終端リスナー.
// ループバックの空きポートで待ち受け, 復号したHTTPリクエストを Serve のハンドラに渡す.
//
// 処理中の接続がない状態が idle だけ続くと新規接続の受け付けを止め,
// 処理中の接続が終わるのを待ってから閉じる.
type Listener struct {
	domain string
	ln     net.Listener
	idle   time.Duration

	mu        sync.Mutex
	server    *http.Server
	timer     *time.Timer
	busy      map[net.Conn]struct{}
	lastTouch time.Time
	closed    bool
	done      chan struct{}
	doneOnce  sync.Once
	onClose   func(*Listener)
}

func newListener(domainName string, ln net.Listener, idle time.Duration, onClose func(*Listener)) *Listener {
	l := &Listener{
		domain:    domainName,
		ln:        ln,
		idle:      idle,
		busy:      make(map[net.Conn]struct{}),
		lastTouch: time.Now(),
		done:      make(chan struct{}),
		onClose:   onClose,
	}
	if idle > 0 {
		l.timer = time.AfterFunc(idle, l.evict)
	}
	return l
}

// Domain はリスナーが担当するドメイン名を返す
func (l *Listener) Domain() string { return l.domain }

// Addr は待ち受けアドレスを返す
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Port は待ち受けポートを返す
func (l *Listener) Port() int {
	if tcp, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Done はリスナーと全ての接続が閉じると閉じるチャネルを返す
func (l *Listener) Done() <-chan struct{} { return l.done }

// Serve は復号したリクエストを h で処理する. Close されるまで戻らない.
func (l *Listener) Serve(h http.Handler, errorLog *log.Logger) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrListenerClosed
	}
	if l.server != nil {
		l.mu.Unlock()
		return errors.New("listener already serving")
	}
	l.server = &http.Server{
		Handler:   h,
		ErrorLog:  errorLog,
		ConnState: l.trackConn,
	}
	srv := l.server
	l.mu.Unlock()

	err := srv.Serve(l.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	// Accept の失敗でも閉じてプールから外す
	l.Close()
	return err
}

// trackConn は処理中の接続を数え, なくなった時点からアイドルタイマーを動かす
func (l *Listener) trackConn(c net.Conn, state http.ConnState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch state {
	case http.StateNew, http.StateActive:
		l.busy[c] = struct{}{}
	case http.StateIdle, http.StateClosed, http.StateHijacked:
		delete(l.busy, c)
	}
	l.rearm()
}

// Touch はアイドルタイマーを巻き戻す. 既に閉じていれば false を返す.
func (l *Listener) Touch() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.rearm()
	return true
}

// rearm は l.mu を保持して呼ぶ
func (l *Listener) rearm() {
	l.lastTouch = time.Now()
	if l.closed || l.timer == nil {
		return
	}
	if len(l.busy) > 0 {
		l.timer.Stop()
		return
	}
	l.timer.Reset(l.idle)
}

// evict はアイドルタイマーから呼ばれる. 受け付けを止め, 処理中の接続を待って閉じる.
func (l *Listener) evict() {
	l.mu.Lock()
	if l.closed || len(l.busy) > 0 {
		l.mu.Unlock()
		return
	}
	// タイマー発火と Touch が競合した場合は残り時間で再設定する
	if remaining := l.idle - time.Since(l.lastTouch); remaining > 0 {
		l.timer.Reset(remaining)
		l.mu.Unlock()
		return
	}
	l.closed = true
	srv := l.server
	l.mu.Unlock()

	l.notifyClose()
	if srv == nil {
		l.ln.Close()
	} else {
		srv.Shutdown(context.Background())
	}
	l.finish()
}

// Close はリスナーと処理中の接続を直ちに閉じる. アイドルによる終了待ちの最中でも閉じる.
func (l *Listener) Close() error {
	l.mu.Lock()
	wasClosed := l.closed
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
	}
	srv := l.server
	l.mu.Unlock()

	if !wasClosed {
		l.notifyClose()
	}

	var err error
	if srv != nil {
		err = srv.Close()
	} else {
		err = l.ln.Close()
	}
	if wasClosed || errors.Is(err, net.ErrClosed) {
		err = nil
	}
	l.finish()
	return err
}

func (l *Listener) notifyClose() {
	if l.onClose != nil {
		l.onClose(l)
	}
}

func (l *Listener) finish() {
	l.doneOnce.Do(func() { close(l.done) })
}
