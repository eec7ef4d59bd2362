package server

import (
	"context"
	"net"

	"golang.org/x/time/rate"
)

// limitListener は接続の受け付けを一定レートに制限する
type limitListener struct {
	net.Listener
	ctx     context.Context
	limiter *rate.Limiter
}

// newLimitListener は毎秒 r 件, 最大 burst 件まで受け付けるリスナーを返す.
// r が0以下なら制限しない.
func newLimitListener(ctx context.Context, ln net.Listener, r float64, burst int) net.Listener {
	if r <= 0 {
		return ln
	}
	if burst <= 0 {
		burst = 1
	}
	return &limitListener{
		Listener: ln,
		ctx:      ctx,
		limiter:  rate.NewLimiter(rate.Limit(r), burst),
	}
}

func (l *limitListener) Accept() (net.Conn, error) {
	if err := l.limiter.Wait(l.ctx); err != nil {
		return nil, err
	}
	return l.Listener.Accept()
}
