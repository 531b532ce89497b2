package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestInit_WithDefaults_Succeeds(t *testing.T) {
	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}

	// グローバルロガーがJSON出力に設定されていることを確認する
	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_WithInvalidConfig_ReturnsError(t *testing.T) {
	t.Setenv("TASK_CATEGORIES", " , ")

	var buf bytes.Buffer
	if _, err := Init(&buf); err == nil {
		t.Fatal("Init with empty TASK_CATEGORIES should return error")
	}
}

func TestRun_HealthcheckWithoutServer_ReturnsError(t *testing.T) {
	// 運用エンドポイントが存在しない環境ではヘルスチェックは失敗する
	t.Setenv("OPS_ADDR", "127.0.0.1:1")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"healthcheck"}); err == nil {
		t.Fatal("Run(healthcheck) without a running server should return error")
	}
}
