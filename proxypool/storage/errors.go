package storage

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrAlreadyExists 表示 (protocol, ip, port) 或来源名称违反唯一约束。
	ErrAlreadyExists = errors.New("record already exists")
	// ErrSourceNotFound 表示来源注册表中没有该名称。
	ErrSourceNotFound = errors.New("source not found")
	// ErrNotFound 表示目标代理不存在（可能已被淘汰）。
	ErrNotFound = errors.New("proxy not found")
	// ErrClosed is returned by every call made after Close.
	ErrClosed = errors.New("store is closed")
)

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// IsLocked reports whether err is a transient SQLite busy/locked error.
func IsLocked(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
