package logger

import (
	"log"
	"strings"

	"protero/internal/domain"
)

type lineWriter struct {
	logger domain.Logger
	msg    string
	fields map[string]interface{}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	fields := make(map[string]interface{}, len(w.fields)+1)
	for k, v := range w.fields {
		fields[k] = v
	}
	fields["detail"] = strings.TrimSpace(string(p))
	w.logger.Warn(w.msg, fields)
	return len(p), nil
}

// StdLogger は http.Server.ErrorLog 等に渡す *log.Logger を作成.
// 1行ごとに msg を WARN レベルで記録する.
func StdLogger(l domain.Logger, msg string, fields map[string]interface{}) *log.Logger {
	return log.New(&lineWriter{logger: l, msg: msg, fields: fields}, "", 0)
}
