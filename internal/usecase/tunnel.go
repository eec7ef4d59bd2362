package usecase

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"protero/internal/domain"
)

// TunnelUseCase は CONNECT トンネルの接続と中継を行う
type TunnelUseCase struct {
	metrics     domain.MetricsCollector
	logger      domain.Logger
	dialTimeout time.Duration
}

// NewTunnelUseCase は新しいTunnelUseCaseインスタンスを作成
func NewTunnelUseCase(metrics domain.MetricsCollector, logger domain.Logger) *TunnelUseCase {
	return &TunnelUseCase{
		metrics:     metrics,
		logger:      logger,
		dialTimeout: 30 * time.Second,
	}
}

// Dial は中継先へ接続する
func (uc *TunnelUseCase) Dial(ctx context.Context, target string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   uc.dialTimeout,
		KeepAlive: 30 * time.Second,
	}

	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, &domain.TunnelError{Target: target, Err: err}
	}
	return conn, nil
}

// Splice はクライアントと中継先の間でバイト列をそのまま中継する.
// 両方向の転送が終わるか ctx が終了するまで戻らない. 両方の接続は閉じられる.
func (uc *TunnelUseCase) Splice(ctx context.Context, clientConn, serverConn net.Conn) error {
	defer clientConn.Close()
	defer serverConn.Close()

	if uc.metrics != nil {
		uc.metrics.IncrementConnections()
		defer uc.metrics.DecrementConnections()
	}

	target := serverConn.RemoteAddr().String()
	var wg sync.WaitGroup
	wg.Add(2)

	errc := make(chan error, 2)
	pipe := func(dst, src net.Conn, direction string) {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		n, err := io.CopyBuffer(dst, src, buf)
		if uc.metrics != nil {
			uc.metrics.AddBytesTransferred(n)
		}
		if err != nil && !isConnectionClosed(err) {
			uc.logger.Warn("Tunnel copy failed", map[string]interface{}{
				"target":    target,
				"direction": direction,
				"error":     err.Error(),
			})
			errc <- err
		}
		// 送信側をシャットダウン
		closeWrite(dst)
	}

	// クライアント → サーバー
	go pipe(serverConn, clientConn, "client->server")
	// サーバー → クライアント
	go pipe(clientConn, serverConn, "server->client")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		clientConn.Close()
		serverConn.Close()
		<-done
		return ctx.Err()
	case <-done:
	}

	select {
	case err := <-errc:
		return &domain.TunnelError{Target: target, Err: err}
	default:
		return nil
	}
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

// isConnectionClosed は接続が正常に閉じられたかを判断
func isConnectionClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// BufferedConn は読み込み済みのバッファを先に返す net.Conn.
// Hijack した接続に残ったバイト列を中継先へ渡すために使う.
func BufferedConn(conn net.Conn, br *bufio.Reader) net.Conn {
	if br == nil || br.Buffered() == 0 {
		return conn
	}
	buffered, _ := br.Peek(br.Buffered())
	return &bufferedConn{
		Conn: conn,
		r:    io.MultiReader(bytes.NewReader(append([]byte(nil), buffered...)), conn),
	}
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
