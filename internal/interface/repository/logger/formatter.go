package logger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LogLevel はログレベルを表す.
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// ParseLevel は文字列をLogLevelに変換. 不明な値は INFO.
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case DEBUG:
		return DEBUG
	case WARN:
		return WARN
	case ERROR:
		return ERROR
	default:
		return INFO
	}
}

func (l LogLevel) rank() int {
	switch l {
	case DEBUG:
		return 0
	case INFO:
		return 1
	case WARN:
		return 2
	default:
		return 3
	}
}

// OutputFormat はログの出力形式を表す.
type OutputFormat string

const (
	TextFormat OutputFormat = "text"
	JSONFormat OutputFormat = "json"
)

// ParseFormat は文字列をOutputFormatに変換. 不明な値は TextFormat.
func ParseFormat(s string) OutputFormat {
	if OutputFormat(strings.ToLower(strings.TrimSpace(s))) == JSONFormat {
		return JSONFormat
	}
	return TextFormat
}

// LogEntry はログエントリを表す.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Format はログエントリを文字列に変換.
func (e *LogEntry) Format() string {
	timestamp := e.Timestamp.Format("2006/01/02 15:04:05.000")

	// 基本的なログフォーマット
	logMsg := fmt.Sprintf("[%s] %s %s", timestamp, e.Level, e.Message)

	// フィールドの追加（存在する場合）
	if len(e.Fields) > 0 {
		if fields, err := json.Marshal(e.Fields); err == nil {
			logMsg += fmt.Sprintf(" fields=%s", string(fields))
		}
	}

	// エラーの追加（存在する場合）
	if e.Error != "" {
		logMsg += fmt.Sprintf(" error=%s", e.Error)
	}

	return logMsg + "\n"
}

// Encode は出力形式に従ってエントリを1行にする.
// JSON にできないフィールドを含む場合はテキスト形式で出力する.
func (e *LogEntry) Encode(format OutputFormat) string {
	if format == JSONFormat {
		if data, err := json.Marshal(e); err == nil {
			return string(data) + "\n"
		}
	}
	return e.Format()
}

// NewLogEntry は新しいLogEntryインスタンスを作成.
func NewLogEntry(
	level LogLevel, msg string, err error, fields map[string]interface{},
) *LogEntry {
	entry := &LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}

	if err != nil {
		entry.Error = err.Error()
	}

	return entry
}
