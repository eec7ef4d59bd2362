package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
)

// RotationConfig はログローテーションの設定を表す.
// 0以下の値はその条件を使わないことを表す.
type RotationConfig struct {
	MaxSize    int64         // ローテーションするファイルサイズ(バイト)
	MaxAge     time.Duration // ローテーション済みファイルの保持期間
	MaxBackups int           // 保持するローテーション済みファイルの数
}

// DefaultRotationConfig はデフォルトのログローテーション設定を返す.
func DefaultRotationConfig() *RotationConfig {
	return &RotationConfig{
		MaxSize:    100 * 1024 * 1024,  // 100MB
		MaxAge:     7 * 24 * time.Hour, // 7日
		MaxBackups: 5,
	}
}

// needsRotation はログローテーションが必要かどうかを判断.
func needsRotation(filePath string, maxSize int64) (bool, error) {
	if maxSize <= 0 {
		return false, nil
	}
	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	return info.Size() >= maxSize, nil
}

// rotateFile は basePath を basePath.<時刻> へ移す.
// 同じ秒に2回ローテーションした場合は連番を付けて上書きを避ける.
func rotateFile(basePath string, now time.Time) (string, error) {
	stamp := now.Format("20060102150405")
	rotated := fmt.Sprintf("%s.%s", basePath, stamp)
	for i := 1; fileExists(rotated); i++ {
		rotated = fmt.Sprintf("%s.%s.%d", basePath, stamp, i)
	}
	return rotated, os.Rename(basePath, rotated)
}

type backupFile struct {
	path    string
	modTime time.Time
}

// backups は basePath のローテーション済みファイルを新しい順に返す.
func backups(basePath string) ([]backupFile, error) {
	matches, err := filepath.Glob(basePath + ".*")
	if err != nil {
		return nil, err
	}

	files := make([]backupFile, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, backupFile{m, info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	return files, nil
}

// cleanOldLogs は保持期間か保持数を超えたローテーション済みファイルを削除.
func cleanOldLogs(basePath string, config *RotationConfig, now time.Time) error {
	files, err := backups(basePath)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for i, f := range files {
		expired := config.MaxAge > 0 && now.Sub(f.modTime) > config.MaxAge
		excess := config.MaxBackups > 0 && i >= config.MaxBackups
		if !expired && !excess {
			continue
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
