package certificate

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Native は crypto/x509 で鍵生成と署名を行うSigner.
// 出力するファイルは OpenSSL と同じPEM形式.
type Native struct{}

var _ Signer = Native{}

func (Native) GenerateKey(_ context.Context, keyPath string, bits int) error {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return errors.Wrap(err, "generate rsa key")
	}
	return writePEM(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0600)
}

func (Native) SelfSign(_ context.Context, keyPath, certPath string, subject Subject, days int) error {
	key, err := readPrivateKey(keyPath)
	if err != nil {
		return err
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject.pkix(),
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(0, 0, days),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return errors.Wrap(err, "self-sign root certificate")
	}
	return writePEM(certPath, "CERTIFICATE", der, 0644)
}

func (Native) CreateRequest(_ context.Context, keyPath, csrPath string, subject Subject) error {
	key, err := readPrivateKey(keyPath)
	if err != nil {
		return err
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            subject.pkix(),
		SignatureAlgorithm: x509.SHA256WithRSA,
	}, key)
	if err != nil {
		return errors.Wrap(err, "create certificate request")
	}
	return writePEM(csrPath, "CERTIFICATE REQUEST", der, 0644)
}

func (Native) Sign(_ context.Context, req SignRequest) error {
	csrBlock, err := readPEM(req.CSRPath)
	if err != nil {
		return err
	}
	csr, err := x509.ParseCertificateRequest(csrBlock.Bytes)
	if err != nil {
		return errors.Wrapf(err, "parse %s", req.CSRPath)
	}
	if err := csr.CheckSignature(); err != nil {
		return errors.Wrapf(err, "verify %s", req.CSRPath)
	}

	caBlock, err := readPEM(req.CACertPath)
	if err != nil {
		return err
	}
	caCert, err := x509.ParseCertificate(caBlock.Bytes)
	if err != nil {
		return errors.Wrapf(err, "parse %s", req.CACertPath)
	}
	caKey, err := readPrivateKey(req.CAKeyPath)
	if err != nil {
		return err
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(0, 0, req.Days),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(req.Domain); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{req.Domain}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, csr.PublicKey, caKey)
	if err != nil {
		return errors.Wrapf(err, "sign certificate for %s", req.Domain)
	}
	return writePEM(req.CertPath, "CERTIFICATE", der, 0644)
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Errorf("no PEM data in %s", path)
	}
	return block, nil
}

// readPrivateKey は PKCS#1 / PKCS#8 の署名鍵を読み込む.
func readPrivateKey(path string) (crypto.Signer, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "parse private key %s", path)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.Errorf("unsupported private key type %T in %s", key, path)
	}
	return signer, nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, errors.Wrap(err, "generate serial number")
	}
	return serial, nil
}
