package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Locker 是跨进程互斥策略。Store 的工作协程在执行每个操作前后调用 Lock/Unlock。
type Locker interface {
	Lock() error
	Unlock() error
}

// FileLocker 基于锁文件实现 Locker，多个进程共享同一个数据库文件时使用。
type FileLocker struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewFileLocker creates a locker backed by the file at path. The file is
// created on first Lock and kept open until Close.
func NewFileLocker(path string) *FileLocker {
	return &FileLocker{path: path}
}

func (f *FileLocker) Lock() error {
	f.mu.Lock()
	if f.file == nil {
		if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
			f.mu.Unlock()
			return fmt.Errorf("create lock dir: %w", err)
		}
		file, err := os.OpenFile(f.path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			f.mu.Unlock()
			return fmt.Errorf("open lock file: %w", err)
		}
		f.file = file
	}
	if err := lockFile(f.file); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("lock %s: %w", f.path, err)
	}
	return nil
}

// Unlock 必须与一次成功的 Lock 配对调用。
func (f *FileLocker) Unlock() error {
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	return unlockFile(f.file)
}

// Close releases the underlying file handle.
func (f *FileLocker) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
