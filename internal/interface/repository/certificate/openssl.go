package certificate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// OpenSSL は openssl コマンドを呼び出すSigner.
type OpenSSL struct {
	Path string
}

var _ Signer = (*OpenSSL)(nil)

// NewOpenSSL は新しいOpenSSLを作成. path が空なら PATH から解決する.
func NewOpenSSL(path string) *OpenSSL {
	if path == "" {
		path = "openssl"
	}
	return &OpenSSL{Path: path}
}

func (o *OpenSSL) GenerateKey(ctx context.Context, keyPath string, bits int) error {
	return o.run(ctx, "genrsa", "-out", keyPath, strconv.Itoa(bits))
}

func (o *OpenSSL) SelfSign(ctx context.Context, keyPath, certPath string, subject Subject, days int) error {
	return o.run(ctx,
		"req",
		"-new", "-x509", "-sha256",
		"-days", strconv.Itoa(days),
		"-key", keyPath,
		"-out", certPath,
		"-subj", subject.String(),
		"-addext", "basicConstraints=critical,CA:TRUE",
		"-addext", "keyUsage=critical,keyCertSign,cRLSign,digitalSignature",
	)
}

func (o *OpenSSL) CreateRequest(ctx context.Context, keyPath, csrPath string, subject Subject) error {
	return o.run(ctx,
		"req",
		"-new",
		"-key", keyPath,
		"-out", csrPath,
		"-subj", subject.String(),
	)
}

func (o *OpenSSL) Sign(ctx context.Context, req SignRequest) error {
	extPath := strings.TrimSuffix(req.CSRPath, ".csr") + ".ext"
	if err := os.WriteFile(extPath, []byte(extensions(req.Domain)), 0644); err != nil {
		return errors.Wrapf(err, "write extension file %s", extPath)
	}
	defer os.Remove(extPath)

	serial, err := randomSerialHex()
	if err != nil {
		return err
	}

	return o.run(ctx,
		"x509",
		"-req",
		"-days", strconv.Itoa(req.Days),
		"-sha256",
		"-in", req.CSRPath,
		"-CA", req.CACertPath,
		"-CAkey", req.CAKeyPath,
		"-set_serial", "0x"+serial,
		"-extfile", extPath,
		"-out", req.CertPath,
	)
}

func (o *OpenSSL) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, o.Path, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &CommandError{
			Command: strings.Join(cmd.Args, " "),
			Output:  string(out),
			Err:     err,
		}
	}
	return nil
}

// extensions はリーフ証明書に付与する v3 拡張を返す.
func extensions(domain string) string {
	san := "DNS:" + domain
	if net.ParseIP(domain) != nil {
		san = "IP:" + domain
	}
	return fmt.Sprintf("subjectAltName=%s\nextendedKeyUsage=serverAuth\nkeyUsage=digitalSignature,keyEncipherment\n", san)
}

func randomSerialHex() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate serial number")
	}
	b[0] &= 0x7f
	return hex.EncodeToString(b), nil
}
