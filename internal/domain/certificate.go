package domain

import (
	"context"
	"crypto/tls"
)

// KeyCertPair はPEM形式の鍵と証明書の組.
type KeyCertPair struct {
	Key  []byte
	Cert []byte
}

// TLSCertificate は tls.Certificate に変換する.
func (p *KeyCertPair) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(p.Cert, p.Key)
}

// CertificateAuthority はルートCAとドメイン証明書を管理するインターフェース.
type CertificateAuthority interface {
	Initialize(ctx context.Context) error
	GetCertificate(ctx context.Context, domain string) (*KeyCertPair, error)
	RootCertificatePath() string
	RootKeyPath() string
}
