// Package category はタスクカテゴリの列挙と検証を提供する。
// カテゴリは起動時に設定から注入され、実行中は不変として扱う。
package category

import "strings"

// デフォルトのカテゴリ一覧。TASK_CATEGORIESが未設定の場合に使用する。
var defaultNames = []string{
	"WORK", "PERSONAL", "SHOPPING", "HEALTH", "EDUCATION", "FINANCE", "TRAVEL", "HOME",
}

// Validator は固定のカテゴリ列挙に対する検証と一覧提供を行う。
// 名前は大文字に正規化して保持し、入力順を維持する。
type Validator struct {
	names []string
	index map[string]struct{}
}

// NewValidator は指定された名前からValidatorを生成する。
// 名前は大文字に正規化され、空文字列と重複は除去される。
// namesが空の場合はデフォルトのカテゴリ一覧を使用する。
func NewValidator(names []string) *Validator {
	if len(names) == 0 {
		names = defaultNames
	}

	v := &Validator{
		index: make(map[string]struct{}, len(names)),
	}
	for _, name := range names {
		canonical := strings.ToUpper(strings.TrimSpace(name))
		if canonical == "" {
			continue
		}
		if _, exists := v.index[canonical]; exists {
			continue
		}
		v.names = append(v.names, canonical)
		v.index[canonical] = struct{}{}
	}
	return v
}

// Default はデフォルトの8カテゴリを持つValidatorを返す。
func Default() *Validator {
	return NewValidator(nil)
}

// IsValid はカテゴリ名が列挙に含まれるかを判定する（大文字小文字を区別しない）。
func (v *Validator) IsValid(name string) bool {
	_, ok := v.index[strings.ToUpper(name)]
	return ok
}

// Canonical は保存用の正規化済みカテゴリ名を返す。
func (v *Validator) Canonical(name string) string {
	return strings.ToUpper(name)
}

// Names は登録順のカテゴリ一覧のコピーを返す。
func (v *Validator) Names() []string {
	out := make([]string, len(v.names))
	copy(out, v.names)
	return out
}

// Available はCATEGORIESコマンドの応答文字列を返す。
func (v *Validator) Available() string {
	return "Available Categories: " + strings.Join(v.names, ", ")
}
