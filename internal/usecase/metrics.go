package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"protero/internal/domain"
)

// MetricsUseCase はメトリクス関連のユースケースを実装
type MetricsUseCase struct {
	metrics      domain.MetricsCollector
	logger       domain.Logger
	saveInterval time.Duration
	done         chan struct{}
	stopOnce     sync.Once
}

// MetricsConfig はメトリクスの設定を表す
type MetricsConfig struct {
	SaveInterval time.Duration
}

// NewMetricsUseCase は新しいMetricsUseCaseインスタンスを作成
func NewMetricsUseCase(
	metrics domain.MetricsCollector, logger domain.Logger, config MetricsConfig,
) *MetricsUseCase {
	if config.SaveInterval == 0 {
		config.SaveInterval = 1 * time.Minute
	}

	return &MetricsUseCase{
		metrics:      metrics,
		logger:       logger,
		saveInterval: config.SaveInterval,
		done:         make(chan struct{}),
	}
}

// Start はメトリクスの定期保存を開始
func (uc *MetricsUseCase) Start() {
	uc.logger.Info("Starting metrics collection", map[string]interface{}{
		"save_interval": uc.saveInterval.String(),
	})
	go uc.startPeriodicSave()
}

// Stop はメトリクス収集を停止し, 最後のスナップショットを保存
func (uc *MetricsUseCase) Stop() error {
	var err error
	uc.stopOnce.Do(func() {
		uc.logger.Info("Stopping metrics collection", nil)
		close(uc.done)
		err = uc.saveMetrics()
	})
	return err
}

// startPeriodicSave は定期的なメトリクス保存を開始
func (uc *MetricsUseCase) startPeriodicSave() {
	ticker := time.NewTicker(uc.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := uc.saveMetrics(); err != nil {
				uc.logger.Error("Failed to save metrics", err, nil)
			}
		case <-uc.done:
			return
		}
	}
}

// saveMetrics は現在のメトリクスを保存
func (uc *MetricsUseCase) saveMetrics() error {
	snapshot, err := uc.GetMetricsSnapshot()
	if err != nil {
		return fmt.Errorf("failed to get metrics snapshot: %v", err)
	}

	// メトリクスの保存処理をリポジトリに委譲
	if saver, ok := uc.metrics.(interface {
		SaveMetrics(*domain.MetricsSnapshot) error
	}); ok {
		return saver.SaveMetrics(snapshot)
	}

	return nil
}

// GetMetricsSnapshot は現在のメトリクスのスナップショットを取得
func (uc *MetricsUseCase) GetMetricsSnapshot() (
	*domain.MetricsSnapshot, error,
) {
	data := uc.metrics.GetSnapshot()

	snapshot := &domain.MetricsSnapshot{Timestamp: time.Now()}
	var ok bool
	fields := []struct {
		key string
		dst *int64
	}{
		{"current_connections", &snapshot.CurrentConnections},
		{"total_requests", &snapshot.TotalRequests},
		{"total_tunnels", &snapshot.TotalTunnels},
		{"intercepted_tunnels", &snapshot.InterceptedTunnels},
		{"certificates_issued", &snapshot.CertificatesIssued},
		{"active_listeners", &snapshot.ActiveListeners},
		{"bytes_transferred", &snapshot.BytesTransferred},
		{"aborted_requests", &snapshot.AbortedRequests},
		{"errors", &snapshot.Errors},
	}
	for _, f := range fields {
		if *f.dst, ok = data[f.key].(int64); !ok {
			return nil, fmt.Errorf("metric %q missing from snapshot", f.key)
		}
	}
	if snapshot.StartTime, ok = data["start_time"].(time.Time); !ok {
		return nil, fmt.Errorf("metric %q missing from snapshot", "start_time")
	}
	if snapshot.Uptime, ok = data["uptime"].(string); !ok {
		return nil, fmt.Errorf("metric %q missing from snapshot", "uptime")
	}

	return snapshot, nil
}

// GetPrometheusMetrics はPrometheus形式のメトリクスを取得
func (uc *MetricsUseCase) GetPrometheusMetrics(ctx context.Context) (
	string, error,
) {
	snapshot, err := uc.GetMetricsSnapshot()
	if err != nil {
		return "", err
	}

	return snapshot.ToPrometheusFormat(), nil
}
