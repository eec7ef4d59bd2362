package certificate

import (
	"context"
	"crypto/x509/pkix"
	"fmt"
	"strings"
)

// Signer は鍵生成と署名を行う外部協調者.
// 実装はファイルパスを受け取り, 結果をPEMで書き出す.
type Signer interface {
	GenerateKey(ctx context.Context, keyPath string, bits int) error
	SelfSign(ctx context.Context, keyPath, certPath string, subject Subject, days int) error
	CreateRequest(ctx context.Context, keyPath, csrPath string, subject Subject) error
	Sign(ctx context.Context, req SignRequest) error
}

// SignRequest はCSRへの署名要求.
type SignRequest struct {
	Domain     string
	CSRPath    string
	CAKeyPath  string
	CACertPath string
	CertPath   string
	Days       int
}

// Subject は証明書の識別名テンプレート.
type Subject struct {
	Country            string
	Province           string
	Locality           string
	Organization       string
	OrganizationalUnit string
	CommonName         string
}

// DefaultSubject はルートCAの識別名.
var DefaultSubject = Subject{
	Country:            "CN",
	Province:           "Zhejiang",
	Locality:           "Hangzhou",
	Organization:       "Protero",
	OrganizationalUnit: "Protero",
	CommonName:         "ProteroCA",
}

// WithCommonName は CN を差し替えたコピーを返す.
func (s Subject) WithCommonName(cn string) Subject {
	s.CommonName = cn
	return s
}

// String は openssl の -subj 形式で返す.
func (s Subject) String() string {
	var b strings.Builder
	for _, kv := range [][2]string{
		{"C", s.Country},
		{"ST", s.Province},
		{"L", s.Locality},
		{"O", s.Organization},
		{"OU", s.OrganizationalUnit},
		{"CN", s.CommonName},
	} {
		if kv[1] == "" {
			continue
		}
		fmt.Fprintf(&b, "/%s=%s", kv[0], strings.ReplaceAll(kv[1], "/", `\/`))
	}
	return b.String()
}

func (s Subject) pkix() pkix.Name {
	name := pkix.Name{CommonName: s.CommonName}
	if s.Country != "" {
		name.Country = []string{s.Country}
	}
	if s.Province != "" {
		name.Province = []string{s.Province}
	}
	if s.Locality != "" {
		name.Locality = []string{s.Locality}
	}
	if s.Organization != "" {
		name.Organization = []string{s.Organization}
	}
	if s.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{s.OrganizationalUnit}
	}
	return name
}

// CommandError は署名ツールの異常終了を表す.
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("SpawnError: %s: %v\n%s", e.Command, e.Err, e.Output)
}

func (e *CommandError) Unwrap() error { return e.Err }
