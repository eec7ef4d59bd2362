package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidDomain は証明書を発行できないドメイン名を表す.
var ErrInvalidDomain = errors.New("invalid domain name")

// CAInitializationError はルートCAの準備に失敗したことを表す.
type CAInitializationError struct {
	RootPath string
	Command  string
	Output   string
	Err      error
}

func (e *CAInitializationError) Error() string {
	msg := fmt.Sprintf("failed to initialize root CA at %s: %v", e.RootPath, e.Err)
	if e.Command != "" {
		msg += fmt.Sprintf("\ncommand: %s\noutput: %s", e.Command, e.Output)
	}
	return msg
}

func (e *CAInitializationError) Unwrap() error { return e.Err }

// CertificateIssuanceError はドメイン証明書の発行失敗を表す.
type CertificateIssuanceError struct {
	Domain  string
	Command string
	Output  string
	Err     error
}

func (e *CertificateIssuanceError) Error() string {
	msg := fmt.Sprintf("failed to issue certificate for %s: %v", e.Domain, e.Err)
	if e.Command != "" {
		msg += fmt.Sprintf("\ncommand: %s\noutput: %s", e.Command, e.Output)
	}
	return msg
}

func (e *CertificateIssuanceError) Unwrap() error { return e.Err }

// UpstreamDispatchError はオリジンサーバーとの通信失敗を表す.
type UpstreamDispatchError struct {
	Host string
	Err  error
}

func (e *UpstreamDispatchError) Error() string {
	return fmt.Sprintf("failed to dispatch request to host %s: %v", e.Host, e.Err)
}

func (e *UpstreamDispatchError) Unwrap() error { return e.Err }

// ClientProtocolError はクライアントからの不正なリクエストを表す.
type ClientProtocolError struct {
	Remote string
	Err    error
}

func (e *ClientProtocolError) Error() string {
	return fmt.Sprintf("client protocol error from %s: %v", e.Remote, e.Err)
}

func (e *ClientProtocolError) Unwrap() error { return e.Err }

// TunnelError はトンネルの確立/中継の失敗を表す.
type TunnelError struct {
	Target string
	Err    error
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("tunnel to %s failed: %v", e.Target, e.Err)
}

func (e *TunnelError) Unwrap() error { return e.Err }
