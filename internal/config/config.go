// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	ListenAddr     string
	WorkerPoolSize int

	// Storage
	DataDir string

	// Tasks
	Categories         []string
	ReminderWindowDays int

	// Rate Limit
	RateLimitCommands        int           // cmd/min/user
	RateLimitCleanupInterval time.Duration // 期限切れリミッターの掃除間隔

	// Ops
	OpsAddr string

	// Logging
	LogLevel slog.Level
}

// defaultCategories はTASK_CATEGORIES未設定時のカテゴリ一覧。
const defaultCategories = "WORK,PERSONAL,SHOPPING,HEALTH,EDUCATION,FINANCE,TRAVEL,HOME"

// Load は環境変数からConfigを読み込む。
// すべての項目にデフォルト値があり、未設定でも起動できる。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getEnvString("LISTEN_ADDR", ":9090")
	cfg.WorkerPoolSize = getEnvInt("WORKER_POOL_SIZE", 8)
	if cfg.WorkerPoolSize < 1 {
		return nil, fmt.Errorf("WORKER_POOL_SIZE must be at least 1, got %d", cfg.WorkerPoolSize)
	}

	cfg.DataDir = getEnvString("DATA_DIR", "data")

	cfg.Categories = splitList(getEnvString("TASK_CATEGORIES", defaultCategories))
	if len(cfg.Categories) == 0 {
		return nil, fmt.Errorf("TASK_CATEGORIES must contain at least one category")
	}

	cfg.ReminderWindowDays = getEnvInt("REMINDER_WINDOW_DAYS", 4)
	cfg.RateLimitCommands = getEnvInt("RATE_LIMIT_COMMANDS", 240)
	cfg.RateLimitCleanupInterval = getEnvDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute)
	cfg.OpsAddr = getEnvString("OPS_ADDR", ":9091")

	level, err := parseLogLevel(getEnvString("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	return cfg, nil
}

// splitList はカンマ区切りの文字列を空要素を除いて分割する。
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseLogLevel はログレベル文字列をslog.Levelに変換する。
func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown LOG_LEVEL: %q", s)
	}
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
