package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protero/internal/domain"
	"protero/internal/interface/handler"
	"protero/internal/interface/repository/certificate"
	"protero/internal/interface/repository/logger"
	"protero/internal/interface/repository/metrics"
	"protero/internal/usecase"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Host:     "127.0.0.1",
		CertPath: t.TempDir(),
		Signer:   certificate.Native{},
		KeyBits:  1024,
		Logger:   logger.NewWriter(io.Discard),
		Metrics:  metrics.New(""),
	}
}

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	s, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

// newClient はプロキシ経由のクライアントを返す. roots が nil なら証明書を検証しない.
func newClient(t *testing.T, s *Server, roots *x509.CertPool) *http.Client {
	t.Helper()
	proxyURL := &url.URL{Scheme: "http", Host: s.Addr().String()}
	tlsConfig := &tls.Config{RootCAs: roots}
	if roots == nil {
		tlsConfig.InsecureSkipVerify = true
	}
	transport := &http.Transport{
		Proxy:              http.ProxyURL(proxyURL),
		TLSClientConfig:    tlsConfig,
		DisableCompression: true,
	}
	t.Cleanup(transport.CloseIdleConnections)
	return &http.Client{Transport: transport, Timeout: 10 * time.Second}
}

func rootPool(t *testing.T, s *Server) *x509.CertPool {
	t.Helper()
	data, err := os.ReadFile(s.CACertPath())
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(data))
	return pool
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestServerPlainHTTP(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", r.Method)
		io.WriteString(w, "plain "+r.URL.Path)
	}))
	defer origin.Close()

	opts := testOptions(t)
	opts.HTTPS = false
	s := startServer(t, opts)
	assert.Empty(t, s.CACertPath())
	assert.Nil(t, s.Pool())

	resp, err := newClient(t, s, nil).Get(origin.URL + "/hello")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GET", resp.Header.Get("X-Origin"))
	assert.Equal(t, "plain /hello", readBody(t, resp))
}

func TestServerMITM(t *testing.T) {
	t.Parallel()

	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "secure "+r.URL.Path)
	}))
	defer origin.Close()

	opts := testOptions(t)
	opts.HTTPS = true
	s := startServer(t, opts)

	tunnels := make(chan *domain.Tunnel, 4)
	schemes := make(chan string, 4)
	s.Subscribe(handler.Events{
		Connect: func(tun *domain.Tunnel) { tunnels <- tun },
		Open: func(ex *usecase.Exchange) {
			schemes <- ex.Scheme()
			ex.ReplaceResponse(usecase.ResponseTransformerFunc(
				func(_ context.Context, res *domain.Response, _ *usecase.Exchange) (*domain.Response, error) {
					res.Header.Set("X-Intercepted", "1")
					return res, nil
				}))
		},
	})

	client := newClient(t, s, rootPool(t, s))
	resp, err := client.Get(origin.URL + "/data")
	require.NoError(t, err)
	assert.Equal(t, "secure /data", readBody(t, resp))
	assert.Equal(t, "1", resp.Header.Get("X-Intercepted"))

	tun := <-tunnels
	assert.True(t, tun.Intercepted)
	assert.False(t, tun.Interrupted)
	assert.Equal(t, "https", <-schemes)

	assert.Equal(t, 1, s.Pool().Len())
	assert.FileExists(t, filepath.Join(opts.CertPath, "127.0.0.1.crt"))
	assert.FileExists(t, filepath.Join(opts.CertPath, "127.0.0.1.key"))
	assert.NoFileExists(t, filepath.Join(opts.CertPath, "127.0.0.1.csr"))
	assert.Equal(t, filepath.Join(opts.CertPath, "@rootca.crt"), s.CACertPath())
	assert.Equal(t, filepath.Join(opts.CertPath, "@rootca.key"), s.CAKeyPath())

	// 2回目は同じリスナーを使う
	client.CloseIdleConnections()
	resp, err = client.Get(origin.URL + "/again")
	require.NoError(t, err)
	assert.Equal(t, "secure /again", readBody(t, resp))
	assert.Equal(t, 1, s.Pool().Len())
}

func TestServerRawTunnelWhenPolicyDeclines(t *testing.T) {
	t.Parallel()

	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "untouched")
	}))
	defer origin.Close()

	opts := testOptions(t)
	opts.HTTPS = true
	opts.Intercept = domain.InterceptFunc(func(target string) bool { return false })
	s := startServer(t, opts)

	opened := make(chan struct{}, 1)
	s.Subscribe(handler.Events{Open: func(*usecase.Exchange) { opened <- struct{}{} }})

	// オリジン自身の証明書を信頼する
	roots := x509.NewCertPool()
	roots.AddCert(origin.Certificate())
	resp, err := newClient(t, s, roots).Get(origin.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, "untouched", readBody(t, resp))

	assert.Equal(t, 0, s.Pool().Len())
	assert.Empty(t, opened)
	assert.NoFileExists(t, filepath.Join(opts.CertPath, "127.0.0.1.crt"))
}

func TestServerCustomCA(t *testing.T) {
	t.Parallel()

	source, err := certificate.New(certificate.Options{
		RootPath: t.TempDir(),
		Signer:   certificate.Native{},
		Logger:   logger.NewWriter(io.Discard),
		KeyBits:  1024,
	})
	require.NoError(t, err)
	require.NoError(t, source.Initialize(context.Background()))
	key, err := os.ReadFile(source.RootKeyPath())
	require.NoError(t, err)
	cert, err := os.ReadFile(source.RootCertificatePath())
	require.NoError(t, err)

	opts := testOptions(t)
	opts.HTTPS = true
	opts.CustomCA = &domain.KeyCertPair{Key: key, Cert: cert}
	s := startServer(t, opts)

	got, err := os.ReadFile(s.CACertPath())
	require.NoError(t, err)
	assert.Equal(t, cert, got)

	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "custom")
	}))
	defer origin.Close()

	resp, err := newClient(t, s, rootPool(t, s)).Get(origin.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, "custom", readBody(t, resp))
}

func TestServerDecodeResponses(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		io.WriteString(gz, "compressed hello")
		gz.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/plain")
		w.Write(buf.Bytes())
	}))
	defer origin.Close()

	opts := testOptions(t)
	opts.DecodeResponses = true
	s := startServer(t, opts)

	seen := make(chan string, 1)
	s.Subscribe(handler.Events{Open: func(ex *usecase.Exchange) {
		ex.ReplaceResponse(usecase.ResponseTransformerFunc(
			func(_ context.Context, res *domain.Response, _ *usecase.Exchange) (*domain.Response, error) {
				body, err := domain.ReadAll(res.Body)
				if err != nil {
					return nil, err
				}
				seen <- string(body)
				res.Body = body
				return res, nil
			}))
	}})

	resp, err := newClient(t, s, nil).Get(origin.URL + "/")
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, "compressed hello", readBody(t, resp))
	assert.Equal(t, "compressed hello", <-seen)
}

func TestServerDecodeFailurePassesBodyThrough(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "mislabelled body")
	}))
	defer origin.Close()

	opts := testOptions(t)
	opts.DecodeResponses = true
	s := startServer(t, opts)

	s.Subscribe(handler.Events{Open: func(ex *usecase.Exchange) {
		ex.ReplaceResponse(usecase.ResponseTransformerFunc(
			func(_ context.Context, res *domain.Response, _ *usecase.Exchange) (*domain.Response, error) {
				return res, nil
			}))
	}})

	resp, err := newClient(t, s, nil).Get(origin.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	assert.Equal(t, "mislabelled body", readBody(t, resp))
}

func TestServerStartFailsOnCAError(t *testing.T) {
	t.Parallel()

	opts := testOptions(t)
	opts.HTTPS = true
	opts.Signer = certificate.NewOpenSSL("/nonexistent/openssl")
	s, err := New(opts)
	require.NoError(t, err)

	err = s.Start(context.Background())
	var initErr *domain.CAInitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Nil(t, s.Addr())
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Options{HTTPS: true, Logger: logger.NewWriter(io.Discard)})
	assert.Error(t, err)
	_, err = New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Port: 70000, Logger: logger.NewWriter(io.Discard)})
	assert.Error(t, err)
}

func TestServerStop(t *testing.T) {
	t.Parallel()

	opts := testOptions(t)
	s, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrServerStarted)
	addr := s.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}

func TestLimitListener(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	assert.Same(t, ln, newLimitListener(context.Background(), ln, 0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	limited := newLimitListener(ctx, ln, 1, 1)
	cancel()
	_, err = limited.Accept()
	assert.Error(t, err)
}
