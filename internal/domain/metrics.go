package domain

import (
	"fmt"
	"strings"
	"time"
)

// MetricsCollector はメトリクス収集のインターフェース
type MetricsCollector interface {
	IncrementConnections()
	DecrementConnections()
	AddBytesTransferred(bytes int64)
	RecordRequest()
	RecordTunnel(intercepted bool)
	RecordCertificateIssued()
	RecordListenerOpened()
	RecordListenerClosed()
	RecordAbortedRequest()
	RecordError()
	GetSnapshot() map[string]interface{}
}

// MetricsSnapshot はメトリクスのスナップショットを表す
type MetricsSnapshot struct {
	Timestamp          time.Time `json:"timestamp"`
	StartTime          time.Time `json:"start_time"`
	CurrentConnections int64     `json:"current_connections"`
	TotalRequests      int64     `json:"total_requests"`
	TotalTunnels       int64     `json:"total_tunnels"`
	InterceptedTunnels int64     `json:"intercepted_tunnels"`
	CertificatesIssued int64     `json:"certificates_issued"`
	ActiveListeners    int64     `json:"active_listeners"`
	BytesTransferred   int64     `json:"bytes_transferred"`
	AbortedRequests    int64     `json:"aborted_requests"`
	Errors             int64     `json:"errors"`
	Uptime             string    `json:"uptime"`
}

// ToPrometheusFormat はスナップショットをPrometheus形式に変換
func (ms *MetricsSnapshot) ToPrometheusFormat() string {
	return formatMetricsToPrometheus(ms)
}

type promMetric struct {
	name  string
	help  string
	kind  string
	value int64
}

// formatMetricsToPrometheus はメトリクスをPrometheus形式にフォーマット
func formatMetricsToPrometheus(ms *MetricsSnapshot) string {
	list := []promMetric{
		{"proxy_current_connections", "Current number of active connections", "gauge", ms.CurrentConnections},
		{"proxy_total_requests", "Total number of proxied exchanges", "counter", ms.TotalRequests},
		{"proxy_total_tunnels", "Total number of CONNECT tunnels", "counter", ms.TotalTunnels},
		{"proxy_intercepted_tunnels", "Total number of CONNECT tunnels terminated by the proxy", "counter", ms.InterceptedTunnels},
		{"proxy_certificates_issued", "Total number of leaf certificates issued", "counter", ms.CertificatesIssued},
		{"proxy_active_listeners", "Current number of pooled TLS listeners", "gauge", ms.ActiveListeners},
		{"proxy_bytes_transferred", "Total number of bytes transferred", "counter", ms.BytesTransferred},
		{"proxy_aborted_requests", "Total number of exchanges prevented by hooks", "counter", ms.AbortedRequests},
		{"proxy_errors", "Total number of errors", "counter", ms.Errors},
	}

	metrics := make([]string, 0, len(list))
	for _, m := range list {
		metrics = append(metrics, fmt.Sprintf("# HELP %s %s\n# TYPE %s %s\n%s %d",
			m.name, m.help, m.name, m.kind, m.name, m.value))
	}

	return strings.Join(metrics, "\n\n") + "\n"
}
