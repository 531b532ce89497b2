// Package store はユーザーごとのフラットファイルに基づくタスク永続化を提供する。
//
// ファイル形式（ユーザー名.txt、1ユーザー1ファイル）:
//
//	1行目: パスワード（平文）
//	2行目: nextId:<整数> マーカー
//	3行目以降: <id>|<CATEGORY>|<YYYY-MM-DD>|<description>
//
// nextIdマーカーを持たない旧形式のファイルは、既存レコードの最大ID+1を
// 採用することで読み取り互換を維持する。
//
// すべての更新系操作はファイル全体を読み込み、一時ファイルへ書き出してから
// os.Renameで差し替える。ファイルがトランザクション境界であり、
// 部分更新が観測されることはない。
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/hitoshi/taskman/internal/model"
)

const (
	userFileExt  = ".txt"
	nextIDPrefix = "nextId:"
	fieldSep     = "|"
)

// separatorLine はタスク一覧の区切り線。
// 既存クライアントは「---で始まり50文字を超える行」を一覧終端の検出に
// 使用するため、この長さ（82文字）を変更してはならない。
var separatorLine = strings.Repeat("-", 82)

// usernamePattern は保存キーとして許可するユーザー名。
// ユーザー名はそのままファイル名の語幹になるため、パス区切りや
// メタ文字を含む名前を拒否する。
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Store はファイルベースのタスクストア。
// ユーザー名をキーとするミューテックスで、同一ユーザーに対する
// read-modify-writeサイクルの交錯を防ぐ。異なるユーザーの操作は並行に進む。
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New はデータディレクトリを初期化してStoreを生成する。
// 前回のクラッシュで残った一時ファイルがあれば起動時に掃除する。
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		dir:    dir,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
	s.sweepOrphanedTempFiles()
	return s, nil
}

// sweepOrphanedTempFiles はrename前にクラッシュして残った一時ファイルを削除する。
// 冪等であり、削除対象がなくてもエラーにしない。
func (s *Store) sweepOrphanedTempFiles() {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.tmp"))
	if err != nil {
		return
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove orphaned temp file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.Info("removed orphaned temp file",
			slog.String("path", path),
		)
	}
}

// userLock はユーザーごとのミューテックスを取得または作成する。
func (s *Store) userLock(username string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[username]
	if !ok {
		l = &sync.Mutex{}
		s.locks[username] = l
	}
	return l
}

func (s *Store) userPath(username string) string {
	return filepath.Join(s.dir, username+userFileExt)
}

// Register は新規ユーザーのファイルを作成する。
// ユーザー名が既に使用されている場合はmodel.ErrUserExistsを返す。
func (s *Store) Register(username, password string) error {
	if !usernamePattern.MatchString(username) {
		return model.ErrInvalidUsername
	}

	lock := s.userLock(username)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(s.userPath(username)); err == nil {
		return model.ErrUserExists
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat user file: %w", err)
	}

	uf := &userFile{password: password, nextID: 1}
	if err := s.save(username, uf); err != nil {
		return err
	}

	s.logger.Info("user registered",
		slog.String("username", username),
	)
	return nil
}

// Authenticate はユーザー名とパスワードを照合する。
// ユーザーが存在しない場合はmodel.ErrUserNotFound、
// パスワード不一致の場合はmodel.ErrInvalidCredentialsを返す。
func (s *Store) Authenticate(username, password string) error {
	if !usernamePattern.MatchString(username) {
		return model.ErrUserNotFound
	}

	lock := s.userLock(username)
	lock.Lock()
	defer lock.Unlock()

	uf, err := s.load(username)
	if err != nil {
		return err
	}
	if uf.password != password {
		return model.ErrInvalidCredentials
	}
	return nil
}

// AddTask は現在のnextIdを新規タスクに割り当ててファイルを書き換え、
// 割り当てたIDを返す。ユーザーファイルが存在しない場合は失敗する。
func (s *Store) AddTask(username, category, dueDate, description string) (int, error) {
	lock := s.userLock(username)
	lock.Lock()
	defer lock.Unlock()

	uf, err := s.load(username)
	if err != nil {
		return 0, err
	}

	id := uf.nextID
	uf.records = append(uf.records, strings.Join([]string{
		strconv.Itoa(id), category, dueDate, description,
	}, fieldSep))
	uf.nextID = id + 1

	if err := s.save(username, uf); err != nil {
		return 0, err
	}
	return id, nil
}

// DeleteTask はIDトークンが文字列として完全一致するレコードを取り除き、
// 実際に削除が起きたかどうかを返す。
// nextIdは据え置かれるため、削除済みIDが再利用されることはない。
func (s *Store) DeleteTask(username, taskID string) (bool, error) {
	lock := s.userLock(username)
	lock.Lock()
	defer lock.Unlock()

	uf, err := s.load(username)
	if err != nil {
		return false, err
	}

	kept := uf.records[:0]
	removed := false
	for _, record := range uf.records {
		token, _, _ := strings.Cut(record, fieldSep)
		if token == taskID {
			removed = true
			continue
		}
		kept = append(kept, record)
	}
	uf.records = kept

	if !removed {
		return false, nil
	}
	if err := s.save(username, uf); err != nil {
		return false, err
	}
	return true, nil
}

// Tasks はユーザーの全タスクをファイル格納順で返す。
// 形式が解釈できないレコードはスキップする。
func (s *Store) Tasks(username string) ([]model.Task, error) {
	lock := s.userLock(username)
	lock.Lock()
	defer lock.Unlock()

	uf, err := s.load(username)
	if err != nil {
		return nil, err
	}

	var tasks []model.Task
	for _, record := range uf.records {
		parts := strings.SplitN(record, fieldSep, 4)
		if len(parts) < 4 {
			continue
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		tasks = append(tasks, model.Task{
			ID:          id,
			Category:    parts[1],
			DueDate:     parts[2],
			Description: parts[3],
		})
	}
	return tasks, nil
}

// FormattedTasks は固定幅のタスク一覧テーブルを描画して返す。
// 一覧の上下を挟む区切り線の長さはクライアントの終端検出に使われる
// 互換性要件であり、ヘッダー行より明確に長く保つ。
func (s *Store) FormattedTasks(username string) (string, error) {
	lock := s.userLock(username)
	lock.Lock()
	defer lock.Unlock()

	uf, err := s.load(username)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("\n--- YOUR TASKS ---\n")
	fmt.Fprintf(&sb, "%-10s | %-12s | %-12s | %s\n", "ID", "CATEGORY", "DATE", "DESCRIPTION")
	sb.WriteString(separatorLine)
	sb.WriteString("\n")

	hasTasks := false
	for _, record := range uf.records {
		parts := strings.SplitN(record, fieldSep, 4)
		if len(parts) < 4 {
			continue
		}
		fmt.Fprintf(&sb, "%-10s | %-12s | %-12s | %s\n", parts[0], parts[1], parts[2], parts[3])
		hasTasks = true
	}
	if !hasTasks {
		sb.WriteString("(You have no tasks yet)\n")
	}

	sb.WriteString(separatorLine)
	sb.WriteString("\n")
	return sb.String(), nil
}

// userFile はユーザーファイル1つ分のメモリ上の表現。
// recordsはタスク行を原文のまま保持する。
type userFile struct {
	password string
	nextID   int
	records  []string
}

// load はユーザーファイルを読み込んで解析する。
// nextIdマーカーを持たない旧形式は最大ID+1にフォールバックする。
func (s *Store) load(username string) (*userFile, error) {
	data, err := os.ReadFile(s.userPath(username))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, model.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to read user file: %w", err)
	}

	content := strings.TrimRight(string(data), "\n")
	if content == "" {
		return nil, model.ErrCorruptFile
	}
	lines := strings.Split(content, "\n")

	uf := &userFile{password: lines[0], nextID: 1}

	rest := lines[1:]
	hasMarker := false
	if len(rest) > 0 && strings.HasPrefix(rest[0], nextIDPrefix) {
		n, err := strconv.Atoi(strings.TrimPrefix(rest[0], nextIDPrefix))
		if err != nil {
			return nil, fmt.Errorf("%w: bad nextId marker %q", model.ErrCorruptFile, rest[0])
		}
		uf.nextID = n
		hasMarker = true
		rest = rest[1:]
	}

	for _, line := range rest {
		if line == "" {
			continue
		}
		// 途中に紛れ込んだ旧マーカーは引き継がない
		if strings.HasPrefix(line, nextIDPrefix) {
			continue
		}
		uf.records = append(uf.records, line)

		if !hasMarker {
			token, _, _ := strings.Cut(line, fieldSep)
			if id, err := strconv.Atoi(token); err == nil && id+1 > uf.nextID {
				uf.nextID = id + 1
			}
		}
	}

	return uf, nil
}

// save はユーザーファイルを一時ファイル経由で原子的に書き換える。
// renameが完了するまで旧内容が見え続けるため、クラッシュしても
// ファイルが消失する瞬間は存在しない。
func (s *Store) save(username string, uf *userFile) error {
	var sb strings.Builder
	sb.WriteString(uf.password)
	sb.WriteString("\n")
	sb.WriteString(nextIDPrefix)
	sb.WriteString(strconv.Itoa(uf.nextID))
	sb.WriteString("\n")
	for _, record := range uf.records {
		sb.WriteString(record)
		sb.WriteString("\n")
	}

	tmp, err := os.CreateTemp(s.dir, username+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.userPath(username)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace user file: %w", err)
	}
	return nil
}
