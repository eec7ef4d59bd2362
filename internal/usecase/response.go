package usecase

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"

	"protero/internal/domain"
)

// writeResponse はレスポンスをクライアントへ書き出し, 書き出したボディ長を返す.
// onHeader はステータスとヘッダーを書いた直後に呼ばれる.
func writeResponse(w http.ResponseWriter, method string, res *domain.Response, onHeader func()) (int64, error) {
	body := res.Body
	if body == nil {
		body = domain.NoBody
	}
	defer body.Close()

	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status < 100 || status > 999 {
		return 0, fmt.Errorf("invalid status code %d", status)
	}

	h := w.Header()
	for k, vv := range res.Header {
		h[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(h)
	// net/http が補う Content-Type と Date は元のレスポンスになければ付けない
	for _, k := range []string{"Content-Type", "Date"} {
		if _, ok := res.Header[k]; !ok {
			h[k] = nil
		}
	}

	head := method == http.MethodHead
	allowed := bodyAllowed(status)
	switch {
	case !allowed:
		h.Del("Content-Length")
	case head:
	case body.Len() >= 0:
		h.Set("Content-Length", strconv.FormatInt(body.Len(), 10))
	default:
		h.Del("Content-Length")
	}

	w.WriteHeader(status)
	onHeader()
	if head || !allowed {
		return 0, nil
	}

	var dst io.Writer = w
	if body.Len() < 0 {
		dst = &flushWriter{w: w, rc: http.NewResponseController(w)}
	}
	return body.PipeTo(dst)
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// flushWriter は長さ不明のボディを書き込みごとにフラッシュする
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if ferr := f.rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
		return n, ferr
	}
	return n, nil
}

// responseWriter は書き込みの有無を記録する
type responseWriter struct {
	http.ResponseWriter
	wrote atomic.Bool
}

func (w *responseWriter) WriteHeader(code int) {
	if code >= 200 {
		w.wrote.Store(true)
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.wrote.Store(true)
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *responseWriter) written() bool {
	return w.wrote.Load()
}
