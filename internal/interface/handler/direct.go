package handler

import (
	"net/http"
	"os"
	"strconv"
	"sync/atomic"

	"protero/internal/resources"
)

// DirectRequest はプロキシ自身に宛てたリクエスト.
// Prevent を呼んだ購読者は Writer に独自の応答を書く.
type DirectRequest struct {
	Request   *http.Request
	Writer    http.ResponseWriter
	prevented atomic.Bool
}

// Prevent は既定の応答を取りやめる
func (d *DirectRequest) Prevent() {
	d.prevented.Store(true)
}

// Prevented は Prevent が呼ばれたかを返す
func (d *DirectRequest) Prevented() bool {
	return d.prevented.Load()
}

// serveDirect はランディングページとルートCA証明書を返す
func (h *ProxyHandler) serveDirect(w http.ResponseWriter, r *http.Request) {
	d := &DirectRequest{Request: r, Writer: w}
	h.events.direct(d)
	if d.Prevented() {
		return
	}

	switch r.URL.Path {
	case "/ca.crt":
		h.serveRootCertificate(w, r)
	default:
		page := resources.Landing()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(page)))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			w.Write(page)
		}
	}
}

func (h *ProxyHandler) serveRootCertificate(w http.ResponseWriter, r *http.Request) {
	if h.ca == nil {
		resources.WriteError(w, http.StatusNotFound)
		return
	}
	data, err := os.ReadFile(h.ca.RootCertificatePath())
	if err != nil {
		h.logger.Error("Failed to read root certificate", err, map[string]interface{}{
			"path": h.ca.RootCertificatePath(),
		})
		resources.WriteError(w, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	w.Header().Set("Content-Disposition", `attachment; filename="ca.crt"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(data)
	}
}
