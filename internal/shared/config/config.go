package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
	"proxypool_nexus/internal/shared/types"
)

// LoadIni 加载 proxypool.ini 配置文件。
// 文件不存在时使用默认配置；同目录下的 .env 会先被加载，环境变量优先于文件中的值。
func LoadIni(cfg *types.Config, fileName string) error {
	envPath := filepath.Join(filepath.Dir(fileName), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envPath, err)
	}

	iniFile, err := ini.Load(fileName)
	switch {
	case err == nil:
		if err := iniFile.MapTo(cfg); err != nil {
			return fmt.Errorf("failed to map %s: %w", fileName, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// 没有配置文件，全部走默认值
	default:
		return err
	}

	overrideFromEnv(&cfg.StorageConf.DBPath, "PROXYPOOL_DB_PATH")
	overrideFromEnv(&cfg.StorageConf.ProcessLock, "PROXYPOOL_PROCESS_LOCK")
	overrideFromEnv(&cfg.WebConf.User, "PROXYPOOL_WEB_USER")
	overrideFromEnv(&cfg.WebConf.Password, "PROXYPOOL_WEB_PASSWORD")
	overrideFromEnv(&cfg.ValidatorConf.URL, "PROXYPOOL_VALIDATE_URL")
	overrideFromEnvInt(&cfg.WebConf.Port, "PROXYPOOL_WEB_PORT")
	overrideFromEnvInt(&cfg.ValidatorConf.Concurrency, "PROXYPOOL_VALIDATE_THREADS")

	cfg.ApplyDefaults()
	return nil
}

func overrideFromEnv(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
