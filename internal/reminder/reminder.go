// Package reminder は期日に基づくリマインダーの分類と描画を提供する。
// 状態を持たず、VIEW時にユーザーの現在のタスク集合から毎回導出する。
package reminder

import (
	"strings"
	"time"

	"github.com/hitoshi/taskman/internal/model"
)

// dateLayout はタスク期日のフォーマット。
const dateLayout = "2006-01-02"

// Engine はタスクをoverdue / due today / due soonの3バケットに分類する。
// due soonの範囲は今日（排他）から今日+windowDays（排他）まで。
// 基準時刻はテスト差し替えのため注入する。
type Engine struct {
	windowDays int
	now        func() time.Time
}

// NewEngine はEngineを生成する。
// windowDaysが0以下の場合はデフォルト値4を使用する。
// nowがnilの場合はtime.Nowを使用する。
func NewEngine(windowDays int, now func() time.Time) *Engine {
	if windowDays <= 0 {
		windowDays = 4
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{windowDays: windowDays, now: now}
}

// Render はタスク集合からREMINDERSブロックを生成する。
// 見出しは最初に該当タスクが見つかった時点で1回だけ出力し、
// タスクは渡された順序（ファイル格納順）のまま並べる。
// 該当タスクがなければ空文字列を返す。
// 期日が解釈できないタスクは黙ってスキップする。
func (e *Engine) Render(tasks []model.Task) string {
	today := truncateToDate(e.now())
	horizon := today.AddDate(0, 0, e.windowDays)

	var sb strings.Builder
	for _, task := range tasks {
		due, err := time.Parse(dateLayout, task.DueDate)
		if err != nil {
			continue
		}

		var label string
		switch {
		case due.Before(today):
			label = "OVERDUE"
		case due.Equal(today):
			label = "DUE TODAY"
		case due.Before(horizon):
			label = "DUE SOON"
		default:
			continue
		}

		if sb.Len() == 0 {
			sb.WriteString("\nREMINDERS:\n")
		}
		sb.WriteString("- ")
		sb.WriteString(label)
		sb.WriteString(": ")
		sb.WriteString(task.Description)
		sb.WriteString("\n")
	}

	return sb.String()
}

// truncateToDate は時刻成分を落として日付のみのUTC時刻に丸める。
func truncateToDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
