// Package protocol は1コネクションごとのセッション状態機械と
// 行指向コマンドの解析・ディスパッチを提供する。
//
// 入力1行がコマンド1つに対応し、コマンドごとに応答テキストを1ブロック
// 書き返す。応答文字列は既存クライアントが内容パターンで境界を検出する
// ための互換性要件であり、変更してはならない。
package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/hitoshi/taskman/internal/category"
	"github.com/hitoshi/taskman/internal/metrics"
	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/reminder"
)

const dateLayout = "2006-01-02"

// 固定の応答文字列。
const (
	respRegisterOK     = "REGISTER OK"
	respRegisterFailed = "REGISTER FAILED"
	respUserExists     = "USER EXISTS"
	respLoginOK        = "LOGIN OK"
	respLoginFailed    = "LOGIN FAILED"
	respLoggedOut      = "Logged out."
	respUnknownAuth    = "Unknown command. Use REGISTER or LOGIN."
	respUnknownTask    = "Unknown command."
	respRegisterUsage  = "Usage: REGISTER <username> <password>"
	respLoginUsage     = "Usage: LOGIN <username> <password>"
	respDeleteUsage    = "Usage: DELETE <TaskID>"
	respBadCategory    = "Error: Invalid category. Use CATEGORIES."
	respBadDate        = "Error: Invalid date format. Use YYYY-MM-DD. (e.g 2026-01-01)"
	respBadSeparator   = "Error: Description must not contain the '|' character."
	respNoAccount      = "No account found."
	respReadError      = "Error reading task file."
	respSaveError      = "Error saving task."
	respDeleteError    = "Error deleting task."
	respRateLimited    = "Rate limit exceeded. Please slow down."
)

// 接続直後に送るウェルカムバナー。
// クライアントはこの2行目を読み終えた時点で入力を開始する。
var welcomeBanner = []string{
	"HELLO! Welcome to Task Management Server.",
	"REGISTER <username> <password> OR LOGIN <username> <password>",
}

// knownVerbs はメトリクスラベルとして記録する動詞の集合。
// 任意入力をそのままラベルにするとカーディナリティが際限なく増えるため、
// 未知の動詞はUNKNOWNに畳む。
var knownVerbs = map[string]struct{}{
	"REGISTER": {}, "LOGIN": {}, "ADD": {}, "VIEW": {},
	"DELETE": {}, "CATEGORIES": {}, "LOGOUT": {},
}

// TaskStore はハンドラーが必要とするストア操作の集合。
// 実体はstore.Storeだが、テスト差し替えのため消費側で定義する。
type TaskStore interface {
	Register(username, password string) error
	Authenticate(username, password string) error
	AddTask(username, category, dueDate, description string) (int, error)
	DeleteTask(username, taskID string) (bool, error)
	Tasks(username string) ([]model.Task, error)
	FormattedTasks(username string) (string, error)
}

// Handler は1コネクション分のセッションループとコマンド処理を実装する。
type Handler struct {
	store      TaskStore
	categories *category.Validator
	reminders  *reminder.Engine
	limiter    *RateLimiter // nilの場合はレート制限なし
	logger     *slog.Logger
	metrics    metrics.Recorder
}

// NewHandler はHandlerを生成する。
// loggerがnilの場合はslog.Default()、recorderがnilの場合はmetrics.Nopを使用する。
func NewHandler(
	store TaskStore,
	categories *category.Validator,
	reminders *reminder.Engine,
	limiter *RateLimiter,
	logger *slog.Logger,
	recorder metrics.Recorder,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Handler{
		store:      store,
		categories: categories,
		reminders:  reminders,
		limiter:    limiter,
		logger:     logger,
		metrics:    recorder,
	}
}

// HandleConn は1つのコネクションをEOFまたはI/Oエラーまで処理する。
// セッション状態はコネクション内に閉じ、切断時に副作用なく破棄される。
func (h *Handler) HandleConn(ctx context.Context, conn net.Conn) {
	connID := uuid.New().String()
	logger := h.logger.With(
		slog.String("conn_id", connID),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)
	logger.Info("connection opened")

	sess := &model.Session{}
	w := bufio.NewWriter(conn)

	for _, line := range welcomeBanner {
		w.WriteString(line)
		w.WriteString("\n")
	}
	if err := w.Flush(); err != nil {
		logger.Warn("failed to send welcome banner",
			slog.String("error", err.Error()),
		)
		return
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			logger.Info("connection closed (shutdown)")
			return
		default:
		}

		line := scanner.Text()
		verb := commandVerb(line)

		if h.limiter != nil && !h.limiter.Allow(h.limitKey(sess, conn)) {
			logger.Warn("rate limit exceeded",
				slog.String("username", sess.Username),
			)
			if !h.respond(w, logger, respRateLimited) {
				return
			}
			continue
		}

		start := time.Now()
		response := h.Execute(line, sess)
		h.metrics.RecordCommand(verb, time.Since(start))

		if !h.respond(w, logger, response) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Warn("client communication error",
			slog.String("error", err.Error()),
		)
	}
	logger.Info("connection closed")
}

// respond は応答と終端の改行を書き込む。継続可能ならtrueを返す。
func (h *Handler) respond(w *bufio.Writer, logger *slog.Logger, response string) bool {
	w.WriteString(response)
	w.WriteString("\n")
	if err := w.Flush(); err != nil {
		logger.Warn("failed to write response",
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// limitKey はレート制限のキーを返す。
// 認証済みならユーザー名、未認証なら接続元アドレスで制限する。
func (h *Handler) limitKey(sess *model.Session, conn net.Conn) string {
	if sess.Authenticated {
		return sess.Username
	}
	return conn.RemoteAddr().String()
}

// Execute は1行のコマンドを処理して応答文字列を返す。
// セッション状態に応じて認証コマンドとタスクコマンドを振り分ける。
func (h *Handler) Execute(line string, sess *model.Session) string {
	if sess.Authenticated {
		return h.taskCommand(line, sess)
	}
	return h.authCommand(line, sess)
}

// authCommand は未認証状態のコマンド（REGISTER/LOGIN）を処理する。
func (h *Handler) authCommand(line string, sess *model.Session) string {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return respUnknownAuth
	}

	switch strings.ToUpper(parts[0]) {
	case "REGISTER":
		if len(parts) != 3 {
			return respRegisterUsage
		}
		err := h.store.Register(parts[1], parts[2])
		switch {
		case err == nil:
			return respRegisterOK
		case errors.Is(err, model.ErrUserExists):
			return respUserExists
		case errors.Is(err, model.ErrInvalidUsername):
			return respRegisterFailed
		default:
			h.storeFailure("register", err)
			return respRegisterFailed
		}

	case "LOGIN":
		if len(parts) != 3 {
			return respLoginUsage
		}
		if err := h.store.Authenticate(parts[1], parts[2]); err != nil {
			if !errors.Is(err, model.ErrUserNotFound) && !errors.Is(err, model.ErrInvalidCredentials) {
				h.storeFailure("login", err)
			}
			return respLoginFailed
		}
		sess.Authenticated = true
		sess.Username = parts[1]
		return respLoginOK

	default:
		return respUnknownAuth
	}
}

// taskCommand は認証済み状態のコマンドを処理する。
// ADDは末尾フィールドが残りのテキストすべてを取り込むよう、
// 最大4トークンに分割する（説明文に空白を含められる）。
func (h *Handler) taskCommand(line string, sess *model.Session) string {
	parts := splitCommand(line, 4)
	if len(parts) == 0 {
		return respUnknownTask
	}

	switch strings.ToUpper(parts[0]) {
	case "ADD":
		// 検証順序: 引数の数 → カテゴリ → 日付。最初の失敗で打ち切る。
		if len(parts) < 4 {
			return "Usage: ADD <Category> <Date> <Description>. " + h.categories.Available()
		}
		if !h.categories.IsValid(parts[1]) {
			return respBadCategory
		}
		if _, err := time.Parse(dateLayout, parts[2]); err != nil {
			return respBadDate
		}
		if strings.Contains(parts[3], "|") {
			// '|'はレコードのフィールド区切りであり、説明文には現れてはならない
			return respBadSeparator
		}

		id, err := h.store.AddTask(sess.Username, h.categories.Canonical(parts[1]), parts[2], parts[3])
		if err != nil {
			if errors.Is(err, model.ErrUserNotFound) {
				return "Error: User file not found."
			}
			h.storeFailure("add", err)
			return respSaveError
		}
		return fmt.Sprintf(">> SUCCESS: Task Added (ID: %d)\n", id) + h.listing(sess.Username)

	case "VIEW":
		return h.view(sess.Username)

	case "DELETE":
		if len(parts) < 2 {
			return respDeleteUsage
		}
		removed, err := h.store.DeleteTask(sess.Username, parts[1])
		if err != nil {
			if errors.Is(err, model.ErrUserNotFound) {
				return respNoAccount
			}
			h.storeFailure("delete", err)
			return respDeleteError
		}
		if removed {
			return ">> SUCCESS: Task Deleted.\n" + h.listing(sess.Username)
		}
		return ">> ERROR: Task ID not found.\n" + h.listing(sess.Username)

	case "CATEGORIES":
		return h.categories.Available()

	case "LOGOUT":
		sess.Reset()
		return respLoggedOut

	default:
		return respUnknownTask
	}
}

// view はリマインダーブロックとタスク一覧を連結して返す。
func (h *Handler) view(username string) string {
	reminders := ""
	tasks, err := h.store.Tasks(username)
	switch {
	case err == nil:
		reminders = h.reminders.Render(tasks)
	case !errors.Is(err, model.ErrUserNotFound):
		h.storeFailure("view", err)
	}
	return reminders + h.listing(username)
}

// listing は整形済みタスク一覧を返す。ストアエラーは固定文言に変換する。
func (h *Handler) listing(username string) string {
	out, err := h.store.FormattedTasks(username)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return respNoAccount
		}
		h.storeFailure("listing", err)
		return respReadError
	}
	return out
}

// storeFailure はストアのI/O障害をログとメトリクスに記録する。
func (h *Handler) storeFailure(op string, err error) {
	h.logger.Error("task store operation failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	h.metrics.RecordStoreError()
}

// commandVerb はメトリクス用の動詞ラベルを返す。
func commandVerb(line string) string {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "UNKNOWN"
	}
	verb := strings.ToUpper(parts[0])
	if _, ok := knownVerbs[verb]; !ok {
		return "UNKNOWN"
	}
	return verb
}

// splitCommand は行を空白区切りで最大limit個のトークンに分割する。
// 最後のトークンは残りのテキストを内部の空白ごと保持する。
func splitCommand(line string, limit int) []string {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var parts []string
	for len(parts) < limit-1 {
		i := strings.IndexFunc(line, unicode.IsSpace)
		if i < 0 {
			break
		}
		parts = append(parts, line[:i])
		line = strings.TrimLeftFunc(line[i:], unicode.IsSpace)
	}
	if line != "" {
		parts = append(parts, line)
	}
	return parts
}
