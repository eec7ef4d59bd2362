package policy

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"protero/internal/domain"
)

// DefaultReloadInterval はルールファイルの変更確認間隔.
const DefaultReloadInterval = time.Minute

// Repository はルールファイルに基づく復号ポリシー.
// bypass_domains に一致したホストは復号しない. intercept_domains が空なら
// それ以外の全てを復号し, 空でなければ一致したホストのみを復号する.
type Repository struct {
	mu         sync.RWMutex
	ruleFile   string
	logger     domain.Logger
	intercept  map[string]bool
	bypass     map[string]bool
	lastLoaded time.Time
	done       chan struct{}
	closeOnce  sync.Once
}

var _ domain.InterceptPolicy = (*Repository)(nil)

// New は新しいRepositoryを作成し, interval ごとにルールファイルを再読み込みする.
// interval が0以下なら DefaultReloadInterval を使う.
func New(ruleFile string, interval time.Duration, logger domain.Logger) (*Repository, error) {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	r := &Repository{
		ruleFile:  ruleFile,
		logger:    logger,
		intercept: make(map[string]bool),
		bypass:    make(map[string]bool),
		done:      make(chan struct{}),
	}

	// 初期ロード
	if err := r.Reload(); err != nil {
		return nil, err
	}

	go r.watch(interval)
	return r, nil
}

// ShouldIntercept は CONNECT 先 host:port を復号するかを判定
func (r *Repository) ShouldIntercept(target string) bool {
	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	r.mu.RLock()
	defer r.mu.RUnlock()

	if match(r.bypass, host) {
		r.logger.Debug("Bypassing interception", map[string]interface{}{"target": target})
		return false
	}
	if len(r.intercept) == 0 {
		return true
	}
	return match(r.intercept, host)
}

// match はホスト名の完全一致とワイルドカード一致を確認
func match(patterns map[string]bool, host string) bool {
	if patterns[host] {
		return true
	}
	parts := strings.Split(host, ".")
	for i := 0; i < len(parts)-1; i++ {
		if patterns["*."+strings.Join(parts[i+1:], ".")] {
			return true
		}
	}
	return false
}

// Reload はルールファイルを再読み込み
func (r *Repository) Reload() error {
	stat, statErr := os.Stat(r.ruleFile)

	rules, err := loadRuleFile(r.ruleFile)
	if err != nil {
		return fmt.Errorf("failed to load intercept rules %s: %w", r.ruleFile, err)
	}
	intercept, bypass := rules.prepare()

	r.mu.Lock()
	r.intercept = intercept
	r.bypass = bypass
	if statErr == nil {
		r.lastLoaded = stat.ModTime()
	}
	r.mu.Unlock()

	r.logger.Info("Intercept rules loaded", map[string]interface{}{
		"file":      r.ruleFile,
		"intercept": len(intercept),
		"bypass":    len(bypass),
	})
	return nil
}

// watch はルールファイルの変更を監視
func (r *Repository) watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		stat, err := os.Stat(r.ruleFile)
		if err != nil {
			r.logger.Warn("Failed to check intercept rules", map[string]interface{}{"error": err.Error()})
			continue
		}

		r.mu.RLock()
		changed := stat.ModTime().After(r.lastLoaded)
		r.mu.RUnlock()
		if !changed {
			continue
		}
		if err := r.Reload(); err != nil {
			r.logger.Error("Failed to reload intercept rules", err, nil)
		}
	}
}

// Close は監視を停止
func (r *Repository) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}
