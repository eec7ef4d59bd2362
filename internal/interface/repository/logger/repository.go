package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"protero/internal/domain"
)

// Repository はロガーのリポジトリ実装.
type Repository struct {
	mu       sync.Mutex
	out      io.Writer
	file     *os.File
	config   *RotationConfig
	dir      string
	filename string
	level    LogLevel
	format   OutputFormat
	done     chan struct{}
}

// Verify interface implementation.
var _ domain.Logger = (*Repository)(nil)

// New はファイルへ書き込む新しいRepositoryインスタンスを作成.
func New(directory, filename string, config *RotationConfig) (
	*Repository, error,
) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, err
	}

	if config == nil {
		config = DefaultRotationConfig()
	}

	path := filepath.Join(directory, filename)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	logger := &Repository{
		out:      file,
		file:     file,
		config:   config,
		dir:      directory,
		filename: filename,
		level:    INFO,
		done:     make(chan struct{}),
	}

	// ログクリーンアップを定期的に実行
	go logger.periodicCleanup()

	return logger, nil
}

// NewWriter は任意のWriterへ書き込むRepositoryを作成. ローテーションは行わない.
func NewWriter(w io.Writer) *Repository {
	return &Repository{out: w, level: INFO}
}

// SetLevel は出力する最小レベルを設定.
func (r *Repository) SetLevel(level LogLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.level = level
}

// SetFormat は出力形式を設定.
func (r *Repository) SetFormat(format OutputFormat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.format = format
}

// Info はINFOレベルのログを記録.
func (r *Repository) Info(msg string, fields map[string]interface{}) {
	r.log(NewLogEntry(INFO, msg, nil, fields))
}

// Warn はWARNレベルのログを記録.
func (r *Repository) Warn(msg string, fields map[string]interface{}) {
	r.log(NewLogEntry(WARN, msg, nil, fields))
}

// Error はERRORレベルのログを記録.
func (r *Repository) Error(
	msg string, err error, fields map[string]interface{},
) {
	r.log(NewLogEntry(ERROR, msg, err, fields))
}

// Debug はDEBUGレベルのログを記録.
func (r *Repository) Debug(msg string, fields map[string]interface{}) {
	r.log(NewLogEntry(DEBUG, msg, nil, fields))
}

// log はログエントリを書き込み.
func (r *Repository) log(entry *LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.Level.rank() < r.level.rank() {
		return
	}

	// ローテーションのチェック.
	if r.file != nil {
		if needs, err := needsRotation(r.file.Name(), r.config.MaxSize); err == nil && needs {
			if err := r.rotate(); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to rotate log: %v\n", err)
			}
		}
	}

	// ログの書き込み.
	if _, err := io.WriteString(r.out, entry.Encode(r.format)); err != nil {
		// エラーが発生した場合は標準エラー出力に書き込み.
		fmt.Fprintf(os.Stderr, "Failed to write log: %v\n", err)
	}
}

// rotate はログファイルをローテーションし, 古いファイルを整理する.
func (r *Repository) rotate() error {
	path := r.path()
	if err := r.file.Close(); err != nil {
		return err
	}

	// 移動に失敗しても同じファイルを開き直して書き込みを続ける
	_, rotateErr := rotateFile(path, time.Now())

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		r.out = io.Discard
		return err
	}
	r.file = file
	r.out = file

	if rotateErr != nil {
		return rotateErr
	}
	return cleanOldLogs(path, r.config, time.Now())
}

func (r *Repository) path() string {
	return filepath.Join(r.dir, r.filename)
}

// periodicCleanup は定期的に古いログファイルを削除.
func (r *Repository) periodicCleanup() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		if err := cleanOldLogs(r.path(), r.config, time.Now()); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to clean old logs: %v\n", err)
		}
		select {
		case <-ticker.C:
		case <-r.done:
			return
		}
	}
}

// Close はロガーのリソースを解放.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	close(r.done)
	err := r.file.Close()
	r.file = nil
	r.out = io.Discard
	return err
}
