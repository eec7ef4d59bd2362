package resources

import (
	"embed"
	"fmt"
	"net/http"
)

//go:embed html/*.html
var files embed.FS

// Get は埋め込みHTMLを返す
func Get(name string) ([]byte, error) {
	return files.ReadFile("html/" + name)
}

// Landing はローカルパスへのリクエストに返すページ
func Landing() []byte {
	data, err := Get("index.html")
	if err != nil {
		return []byte("hello")
	}
	return data
}

// ErrorPage はステータスコードに対応するエラーページを返す.
// 専用のページがなければ 500 のページを返す.
func ErrorPage(status int) []byte {
	if data, err := Get(fmt.Sprintf("%d.html", status)); err == nil {
		return data
	}
	if data, err := Get("500.html"); err == nil {
		return data
	}
	return []byte(http.StatusText(status))
}

// WriteError はエラーページを w に書き出す
func WriteError(w http.ResponseWriter, status int) {
	page := ErrorPage(status)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", fmt.Sprint(len(page)))
	w.WriteHeader(status)
	w.Write(page)
}
