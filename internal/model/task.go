// Package model はドメインモデルを定義する。
package model

// Task はユーザーに属する1件のタスクを表す。
// IDはユーザー内で一意であり、削除後も再利用されない。
type Task struct {
	ID          int
	Category    string // 正規化済み（大文字）のカテゴリ名
	DueDate     string // YYYY-MM-DD形式の期日
	Description string
}

// Session は1つのコネクションに紐づく認証状態を表す。
// 永続化されず、コネクション切断とともに破棄される。
type Session struct {
	Authenticated bool
	Username      string
}

// Reset はセッションを未認証状態に戻す。
// LOGOUTコマンドおよび切断時に呼ばれる。
func (s *Session) Reset() {
	s.Authenticated = false
	s.Username = ""
}
