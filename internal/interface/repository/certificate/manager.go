package certificate

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"protero/internal/domain"
)

const (
	rootKeyName  = "@rootca.key"
	rootCertName = "@rootca.crt"

	// DefaultKeyBits はルート/リーフ鍵のビット長.
	DefaultKeyBits = 2048
	// DefaultValidityDays は証明書の有効日数.
	DefaultValidityDays = 9999
)

// Options はManagerの設定.
type Options struct {
	RootPath         string
	CustomCA         *domain.KeyCertPair
	Signer           Signer
	Logger           domain.Logger
	Metrics          domain.MetricsCollector
	KeyBits          int
	CAValidityDays   int
	LeafValidityDays int
	Subject          Subject
}

// Manager はルートCAとドメイン証明書をディスク上で管理する.
type Manager struct {
	rootPath string
	customCA *domain.KeyCertPair
	signer   Signer
	logger   domain.Logger
	metrics  domain.MetricsCollector
	keyBits  int
	caDays   int
	leafDays int
	subject  Subject
	group    singleflight.Group
}

var _ domain.CertificateAuthority = (*Manager)(nil)

// New は新しいManagerインスタンスを作成
func New(opts Options) (*Manager, error) {
	if opts.RootPath == "" {
		return nil, errors.New("certificate root path is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("signer is nil")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is nil")
	}
	root, err := filepath.Abs(opts.RootPath)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", opts.RootPath)
	}

	m := &Manager{
		rootPath: root,
		customCA: opts.CustomCA,
		signer:   opts.Signer,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		keyBits:  opts.KeyBits,
		caDays:   opts.CAValidityDays,
		leafDays: opts.LeafValidityDays,
		subject:  opts.Subject,
	}
	if m.keyBits == 0 {
		m.keyBits = DefaultKeyBits
	}
	if m.caDays == 0 {
		m.caDays = DefaultValidityDays
	}
	if m.leafDays == 0 {
		m.leafDays = DefaultValidityDays
	}
	if m.subject == (Subject{}) {
		m.subject = DefaultSubject
	}
	return m, nil
}

// RootCertificatePath はルートCA証明書のパスを返す.
func (m *Manager) RootCertificatePath() string {
	return m.fullPath(rootCertName)
}

// RootKeyPath はルートCA鍵のパスを返す.
func (m *Manager) RootKeyPath() string {
	return m.fullPath(rootKeyName)
}

// RootCertificate はルートCA証明書(PEM)を読み込む.
func (m *Manager) RootCertificate() ([]byte, error) {
	return os.ReadFile(m.RootCertificatePath())
}

// Initialize はルートCAを用意する. 既存の鍵は再生成しない.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(m.rootPath, 0755); err != nil {
		return m.initError(errors.Wrapf(err, "create %s", m.rootPath))
	}

	if m.customCA != nil {
		if _, err := m.customCA.TLSCertificate(); err != nil {
			return m.initError(errors.Wrap(err, "invalid custom CA"))
		}
		if err := os.WriteFile(m.RootKeyPath(), m.customCA.Key, 0600); err != nil {
			return m.initError(errors.Wrap(err, "write custom CA key"))
		}
		if err := os.WriteFile(m.RootCertificatePath(), m.customCA.Cert, 0644); err != nil {
			return m.initError(errors.Wrap(err, "write custom CA certificate"))
		}
		m.logger.Info("Use custom root CA", map[string]interface{}{
			"path": m.RootCertificatePath(),
		})
		return nil
	}

	if !exists(m.RootKeyPath()) {
		if err := m.signer.GenerateKey(ctx, m.RootKeyPath(), m.keyBits); err != nil {
			return m.initError(err)
		}
		if err := m.signer.SelfSign(ctx, m.RootKeyPath(), m.RootCertificatePath(), m.subject, m.caDays); err != nil {
			return m.initError(err)
		}
		m.logger.Info("Root CA has been created", map[string]interface{}{
			"path": m.RootCertificatePath(),
		})
		return nil
	}

	if !exists(m.RootCertificatePath()) {
		if err := m.signer.SelfSign(ctx, m.RootKeyPath(), m.RootCertificatePath(), m.subject, m.caDays); err != nil {
			return m.initError(err)
		}
		m.logger.Warn("Root CA certificate was missing and has been re-created from the existing key", map[string]interface{}{
			"path": m.RootCertificatePath(),
		})
	}
	return nil
}

// GetCertificate はドメインの鍵と証明書を返す. 未発行なら発行する.
// 同一ドメインへの同時呼び出しは1回の発行にまとめられる. ctx は待機のみを打ち切る.
func (m *Manager) GetCertificate(ctx context.Context, domainName string) (*domain.KeyCertPair, error) {
	if !validDomain(domainName) {
		return nil, &domain.CertificateIssuanceError{Domain: domainName, Err: domain.ErrInvalidDomain}
	}

	// 発行は待機中の全員で共有するため, 最初の呼び出し元のキャンセルで止めない
	shared := context.WithoutCancel(ctx)
	ch := m.group.DoChan(domainName, func() (interface{}, error) {
		if pair, err := m.readPair(domainName); err == nil {
			return pair, nil
		}
		return m.issue(shared, domainName)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.KeyCertPair), nil
	}
}

func (m *Manager) issue(ctx context.Context, domainName string) (*domain.KeyCertPair, error) {
	keyPath := m.keyPath(domainName)
	csrPath := m.fullPath(domainName + ".csr")
	certPath := m.certPath(domainName)

	err := m.signer.GenerateKey(ctx, keyPath, m.keyBits)
	if err == nil {
		err = m.signer.CreateRequest(ctx, keyPath, csrPath, m.subject.WithCommonName(domainName))
	}
	if err == nil {
		err = m.signer.Sign(ctx, SignRequest{
			Domain:     domainName,
			CSRPath:    csrPath,
			CAKeyPath:  m.RootKeyPath(),
			CACertPath: m.RootCertificatePath(),
			CertPath:   certPath,
			Days:       m.leafDays,
		})
	}
	os.Remove(csrPath)
	if err != nil {
		os.Remove(keyPath)
		os.Remove(certPath)
		return nil, issuanceError(domainName, err)
	}

	pair, err := m.readPair(domainName)
	if err != nil {
		return nil, issuanceError(domainName, err)
	}

	if m.metrics != nil {
		m.metrics.RecordCertificateIssued()
	}
	m.logger.Info("CertPair created", map[string]interface{}{"domain": domainName})
	return pair, nil
}

func (m *Manager) readPair(domainName string) (*domain.KeyCertPair, error) {
	key, err := os.ReadFile(m.keyPath(domainName))
	if err != nil {
		return nil, err
	}
	cert, err := os.ReadFile(m.certPath(domainName))
	if err != nil {
		return nil, err
	}
	return &domain.KeyCertPair{Key: key, Cert: cert}, nil
}

func (m *Manager) initError(err error) error {
	e := &domain.CAInitializationError{RootPath: m.rootPath, Err: err}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		e.Command = cmdErr.Command
		e.Output = cmdErr.Output
	}
	return e
}

func issuanceError(domainName string, err error) error {
	e := &domain.CertificateIssuanceError{Domain: domainName, Err: err}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		e.Command = cmdErr.Command
		e.Output = cmdErr.Output
	}
	return e
}

func (m *Manager) fullPath(name string) string {
	return filepath.Join(m.rootPath, name)
}

func (m *Manager) keyPath(name string) string {
	return m.fullPath(name + ".key")
}

func (m *Manager) certPath(name string) string {
	return m.fullPath(name + ".crt")
}

// validDomain はファイル名として安全なドメイン名かを判定.
func validDomain(name string) bool {
	if name == "" || len(name) > 253 || strings.HasPrefix(name, "@") {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	for _, r := range name {
		if r <= ' ' || r == 0x7f {
			return false
		}
	}
	return true
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
