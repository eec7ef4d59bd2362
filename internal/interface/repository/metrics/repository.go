package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"protero/internal/domain"
)

// Repository はメトリクスのリポジトリ実装
type Repository struct {
	mu           sync.Mutex
	metricsFile  string
	startTime    time.Time
	connections  int64
	requests     int64
	tunnels      int64
	intercepted  int64
	certificates int64
	listeners    int64
	bytes        int64
	aborted      int64
	errors       int64
}

// インターフェースの実装を検証
var _ domain.MetricsCollector = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成. metricsFile が空なら保存しない.
func New(metricsFile string) *Repository {
	return &Repository{
		metricsFile: metricsFile,
		startTime:   time.Now(),
	}
}

// SaveMetrics はメトリクスをファイルに保存
func (r *Repository) SaveMetrics(snapshot *domain.MetricsSnapshot) error {
	if r.metricsFile == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	tempFile := r.metricsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempFile, r.metricsFile)
}

// 以下、MetricsCollector インターフェースの実装
func (r *Repository) IncrementConnections() {
	atomic.AddInt64(&r.connections, 1)
}

func (r *Repository) DecrementConnections() {
	atomic.AddInt64(&r.connections, -1)
}

func (r *Repository) AddBytesTransferred(bytes int64) {
	atomic.AddInt64(&r.bytes, bytes)
}

func (r *Repository) RecordRequest() {
	atomic.AddInt64(&r.requests, 1)
}

func (r *Repository) RecordTunnel(intercepted bool) {
	atomic.AddInt64(&r.tunnels, 1)
	if intercepted {
		atomic.AddInt64(&r.intercepted, 1)
	}
}

func (r *Repository) RecordCertificateIssued() {
	atomic.AddInt64(&r.certificates, 1)
}

func (r *Repository) RecordListenerOpened() {
	atomic.AddInt64(&r.listeners, 1)
}

func (r *Repository) RecordListenerClosed() {
	atomic.AddInt64(&r.listeners, -1)
}

func (r *Repository) RecordAbortedRequest() {
	atomic.AddInt64(&r.aborted, 1)
}

func (r *Repository) RecordError() {
	atomic.AddInt64(&r.errors, 1)
}

func (r *Repository) GetSnapshot() map[string]interface{} {
	return map[string]interface{}{
		"timestamp":           time.Now(),
		"start_time":          r.startTime,
		"current_connections": atomic.LoadInt64(&r.connections),
		"total_requests":      atomic.LoadInt64(&r.requests),
		"total_tunnels":       atomic.LoadInt64(&r.tunnels),
		"intercepted_tunnels": atomic.LoadInt64(&r.intercepted),
		"certificates_issued": atomic.LoadInt64(&r.certificates),
		"active_listeners":    atomic.LoadInt64(&r.listeners),
		"bytes_transferred":   atomic.LoadInt64(&r.bytes),
		"aborted_requests":    atomic.LoadInt64(&r.aborted),
		"errors":              atomic.LoadInt64(&r.errors),
		"uptime":              time.Since(r.startTime).String(),
	}
}
