package model

import "errors"

// ストア操作の結果を表す定義済みエラー。
// プロトコル層はerrors.Isで判別し、固定の応答文字列に変換する。
var (
	// ErrUserExists は登録済みユーザー名での再登録を表す。
	ErrUserExists = errors.New("user already exists")

	// ErrUserNotFound はユーザーファイルが存在しないことを表す。
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidCredentials はパスワード不一致を表す。
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidUsername は保存キーとして使用できないユーザー名を表す。
	// ユーザー名はファイル名になるため、使用可能な文字を制限する。
	ErrInvalidUsername = errors.New("invalid username")

	// ErrCorruptFile はユーザーファイルの形式不正を表す。
	ErrCorruptFile = errors.New("corrupt user file")
)
