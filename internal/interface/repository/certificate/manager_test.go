package certificate

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protero/internal/domain"
	"protero/internal/interface/repository/logger"
	"protero/internal/interface/repository/metrics"
)

// countingSigner は Native に委譲しつつ呼び出し回数を数える.
type countingSigner struct {
	Native
	keys  int32
	signs int32
}

func (s *countingSigner) GenerateKey(ctx context.Context, keyPath string, bits int) error {
	atomic.AddInt32(&s.keys, 1)
	return s.Native.GenerateKey(ctx, keyPath, bits)
}

func (s *countingSigner) Sign(ctx context.Context, req SignRequest) error {
	atomic.AddInt32(&s.signs, 1)
	return s.Native.Sign(ctx, req)
}

func newTestManager(t *testing.T, signer Signer, customCA *domain.KeyCertPair) *Manager {
	t.Helper()
	m, err := New(Options{
		RootPath: t.TempDir(),
		CustomCA: customCA,
		Signer:   signer,
		Logger:   logger.NewWriter(io.Discard),
		Metrics:  metrics.New(""),
		KeyBits:  1024,
	})
	require.NoError(t, err)
	return m
}

func parseCert(t *testing.T, data []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestManagerInitialize(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Native{}, nil)
	require.NoError(t, m.Initialize(context.Background()))

	assert.Equal(t, "@rootca.key", filepath.Base(m.RootKeyPath()))
	assert.Equal(t, "@rootca.crt", filepath.Base(m.RootCertificatePath()))

	certPEM, err := m.RootCertificate()
	require.NoError(t, err)
	root := parseCert(t, certPEM)
	assert.True(t, root.IsCA)
	assert.Equal(t, "ProteroCA", root.Subject.CommonName)

	keyBefore, err := os.ReadFile(m.RootKeyPath())
	require.NoError(t, err)

	// 2回目は再生成しない
	require.NoError(t, m.Initialize(context.Background()))
	keyAfter, err := os.ReadFile(m.RootKeyPath())
	require.NoError(t, err)
	certAfter, err := m.RootCertificate()
	require.NoError(t, err)
	assert.Equal(t, keyBefore, keyAfter)
	assert.Equal(t, certPEM, certAfter)
}

func TestManagerInitializeRecreatesMissingCertificate(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Native{}, nil)
	require.NoError(t, m.Initialize(context.Background()))
	key, err := os.ReadFile(m.RootKeyPath())
	require.NoError(t, err)

	require.NoError(t, os.Remove(m.RootCertificatePath()))
	require.NoError(t, m.Initialize(context.Background()))

	keyAfter, err := os.ReadFile(m.RootKeyPath())
	require.NoError(t, err)
	assert.Equal(t, key, keyAfter)

	certPEM, err := m.RootCertificate()
	require.NoError(t, err)
	pair := &domain.KeyCertPair{Key: key, Cert: certPEM}
	_, err = pair.TLSCertificate()
	assert.NoError(t, err)
}

func TestManagerCustomCA(t *testing.T) {
	t.Parallel()

	// 別ディレクトリで作成したCAをカスタムCAとして渡す
	source := newTestManager(t, Native{}, nil)
	require.NoError(t, source.Initialize(context.Background()))
	key, err := os.ReadFile(source.RootKeyPath())
	require.NoError(t, err)
	cert, err := os.ReadFile(source.RootCertificatePath())
	require.NoError(t, err)

	signer := &countingSigner{}
	m := newTestManager(t, signer, &domain.KeyCertPair{Key: key, Cert: cert})
	require.NoError(t, m.Initialize(context.Background()))

	got, err := os.ReadFile(m.RootCertificatePath())
	require.NoError(t, err)
	assert.Equal(t, cert, got)
	assert.Zero(t, atomic.LoadInt32(&signer.keys), "custom CA must not be generated")

	_, err = m.GetCertificate(context.Background(), "example.com")
	require.NoError(t, err)
}

func TestManagerCustomCAInvalid(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Native{}, &domain.KeyCertPair{Key: []byte("bad"), Cert: []byte("bad")})
	err := m.Initialize(context.Background())

	var initErr *domain.CAInitializationError
	require.ErrorAs(t, err, &initErr)
}

func TestManagerGetCertificate(t *testing.T) {
	t.Parallel()

	signer := &countingSigner{}
	m := newTestManager(t, signer, nil)
	require.NoError(t, m.Initialize(context.Background()))

	first, err := m.GetCertificate(context.Background(), "example.com")
	require.NoError(t, err)
	second, err := m.GetCertificate(context.Background(), "example.com")
	require.NoError(t, err)

	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.Cert, second.Cert)
	assert.EqualValues(t, 1, atomic.LoadInt32(&signer.signs))
	assert.NoFileExists(t, filepath.Join(m.rootPath, "example.com.csr"))
	assert.FileExists(t, filepath.Join(m.rootPath, "example.com.key"))
	assert.FileExists(t, filepath.Join(m.rootPath, "example.com.crt"))

	rootPEM, err := m.RootCertificate()
	require.NoError(t, err)
	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(rootPEM))

	leaf := parseCert(t, first.Cert)
	assert.Equal(t, "example.com", leaf.Subject.CommonName)
	_, err = leaf.Verify(x509.VerifyOptions{DNSName: "example.com", Roots: roots})
	assert.NoError(t, err)

	_, err = first.TLSCertificate()
	assert.NoError(t, err)
}

func TestManagerGetCertificateIP(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Native{}, nil)
	require.NoError(t, m.Initialize(context.Background()))

	pair, err := m.GetCertificate(context.Background(), "127.0.0.1")
	require.NoError(t, err)

	leaf := parseCert(t, pair.Cert)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())
}

func TestManagerGetCertificateConcurrent(t *testing.T) {
	t.Parallel()

	signer := &countingSigner{}
	m := newTestManager(t, signer, nil)
	require.NoError(t, m.Initialize(context.Background()))

	const n = 8
	pairs := make([]*domain.KeyCertPair, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pair, err := m.GetCertificate(context.Background(), "concurrent.example.com")
			assert.NoError(t, err)
			pairs[i] = pair
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&signer.signs))
	for _, p := range pairs[1:] {
		require.NotNil(t, p)
		assert.Equal(t, pairs[0].Cert, p.Cert)
	}
}

func TestManagerGetCertificateInvalidDomain(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Native{}, nil)
	require.NoError(t, m.Initialize(context.Background()))

	for _, name := range []string{"", "../etc/passwd", "a/b", "@rootca", "bad host"} {
		_, err := m.GetCertificate(context.Background(), name)
		var issueErr *domain.CertificateIssuanceError
		require.ErrorAs(t, err, &issueErr, name)
		assert.ErrorIs(t, err, domain.ErrInvalidDomain, name)
	}
}

func TestManagerGetCertificateWithoutRoot(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Native{}, nil)
	require.NoError(t, os.MkdirAll(m.rootPath, 0755))

	_, err := m.GetCertificate(context.Background(), "example.com")
	var issueErr *domain.CertificateIssuanceError
	require.ErrorAs(t, err, &issueErr)
	assert.Equal(t, "example.com", issueErr.Domain)

	// 失敗時は中途半端なファイルを残さない
	assert.NoFileExists(t, filepath.Join(m.rootPath, "example.com.key"))
	assert.NoFileExists(t, filepath.Join(m.rootPath, "example.com.csr"))
}

func TestManagerOpenSSLFailure(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, NewOpenSSL("/nonexistent/openssl"), nil)
	err := m.Initialize(context.Background())

	var initErr *domain.CAInitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Contains(t, initErr.Command, "/nonexistent/openssl genrsa -out")
	assert.Contains(t, err.Error(), "command: /nonexistent/openssl genrsa")
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Signer: Native{}, Logger: logger.NewWriter(io.Discard)})
	assert.Error(t, err)
	_, err = New(Options{RootPath: t.TempDir(), Logger: logger.NewWriter(io.Discard)})
	assert.Error(t, err)
}

// gatedSigner は release が閉じるまで署名を止め, ctx が終了していれば失敗する.
type gatedSigner struct {
	Native
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedSigner) Sign(ctx context.Context, req SignRequest) error {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Native.Sign(ctx, req)
}

func TestGetCertificateSurvivesFirstCallerCancel(t *testing.T) {
	t.Parallel()

	signer := &gatedSigner{started: make(chan struct{}), release: make(chan struct{})}
	m := newTestManager(t, signer, nil)
	require.NoError(t, m.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.GetCertificate(ctx, "shared.test")
		firstErr <- err
	}()
	<-signer.started

	type result struct {
		pair *domain.KeyCertPair
		err  error
	}
	second := make(chan result, 1)
	go func() {
		pair, err := m.GetCertificate(context.Background(), "shared.test")
		second <- result{pair, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(signer.release)
	res := <-second
	require.NoError(t, res.err)
	assert.NotEmpty(t, res.pair.Cert)
	assert.FileExists(t, filepath.Join(m.rootPath, "shared.test.crt"))
}
