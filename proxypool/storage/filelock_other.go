//go:build !unix

package storage

import "os"

// 非 unix 平台只保留进程内互斥 (FileLocker.mu)。
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
