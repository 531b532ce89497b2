// Package app はアプリケーションの初期化・依存関係のワイヤリング・
// ライフサイクル管理を提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/taskman/internal/category"
	"github.com/hitoshi/taskman/internal/config"
	"github.com/hitoshi/taskman/internal/logger"
	"github.com/hitoshi/taskman/internal/metrics"
	"github.com/hitoshi/taskman/internal/protocol"
	"github.com/hitoshi/taskman/internal/reminder"
	"github.com/hitoshi/taskman/internal/server"
	"github.com/hitoshi/taskman/internal/store"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込みに失敗してもログは出せるよう、まずデフォルトレベルで初期化する
	logger.SetupDefault(w, slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		addr := os.Getenv("OPS_ADDR")
		if addr == "" {
			addr = ":9091"
		}
		return runHealthcheck(addr)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.Int("worker_pool_size", cfg.WorkerPoolSize),
		slog.String("data_dir", cfg.DataDir),
	)

	return runServe(cfg)
}

// runServe はタスクサーバーモードで起動する。
// ストアを初期化し、全依存関係をワイヤリングし、TCPディスパッチャと
// 運用HTTPエンドポイントを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. ストアの初期化
	st, err := store.New(cfg.DataDir, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to initialize task store: %w", err)
	}

	slog.Info("task store initialized",
		slog.String("data_dir", cfg.DataDir),
	)

	// 2. メトリクスの初期化
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 3. ドメインサービスの初期化
	validator := category.NewValidator(cfg.Categories)
	engine := reminder.NewEngine(cfg.ReminderWindowDays, nil)

	limiterCfg := protocol.DefaultRateLimiterConfig()
	if cfg.RateLimitCommands > 0 {
		// configのRateLimitCommandsはcmd/min単位なのでcmd/secに変換する
		limiterCfg.Rate = rate.Limit(float64(cfg.RateLimitCommands) / 60.0)
		limiterCfg.Burst = cfg.RateLimitCommands
	}
	if cfg.RateLimitCleanupInterval > 0 {
		limiterCfg.CleanupInterval = cfg.RateLimitCleanupInterval
	}
	limiter := protocol.NewRateLimiter(limiterCfg)
	defer limiter.Stop()

	// 4. セッションハンドラーとディスパッチャの構築
	handler := protocol.NewHandler(st, validator, engine, limiter, slog.Default(), collector)
	dispatcher := server.New(cfg.ListenAddr, cfg.WorkerPoolSize, handler, slog.Default(), collector)

	if err := dispatcher.Listen(); err != nil {
		return err
	}

	// 5. 運用HTTPエンドポイント（/health, /metrics）の起動
	opsServer := &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      metrics.NewOpsRouter(reg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ops endpoint starting",
			slog.String("addr", opsServer.Addr),
		)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops endpoint listen error", slog.String("error", err.Error()))
		}
	}()

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down...")
		cancel()
	}()

	// ディスパッチャをメインgoroutineで実行（ブロッキング）
	serveErr := dispatcher.Serve(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("ops endpoint shutdown failed", slog.String("error", err.Error()))
	}

	if serveErr != nil {
		return fmt.Errorf("dispatcher failed: %w", serveErr)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// 運用エンドポイントの/healthにHTTPリクエストを送り、結果を返す。
func runHealthcheck(addr string) error {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s/health", addr)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
