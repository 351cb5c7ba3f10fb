package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/ini.v1"
	"wxpush_gateway/internal/shared/logger"
	"wxpush_gateway/internal/shared/types"
)

// Load 读取 gateway.ini 并叠加环境变量。文件不存在时只使用默认值和环境变量。
func Load(fileName string) (*types.Config, error) {
	cfg := types.Default()
	if err := LoadIni(cfg, fileName); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// LoadIni 将 ini 文件映射到 cfg 上, 未出现的键保留 cfg 中已有的值。
func LoadIni(cfg *types.Config, fileName string) error {
	if _, err := os.Stat(fileName); err != nil {
		return err
	}
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return fmt.Errorf("config: load %s: %w", fileName, err)
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return fmt.Errorf("config: map %s: %w", fileName, err)
	}

	sources, err := loadSources(iniFile)
	if err != nil {
		return fmt.Errorf("config: %s: %w", fileName, err)
	}
	cfg.Sources = sources
	return nil
}

const sourcePrefix = "source."

// loadSources 读取所有 [source.<name>] 小节
func loadSources(iniFile *ini.File) ([]types.SourceConf, error) {
	var sources []types.SourceConf
	for _, sec := range iniFile.Sections() {
		if !strings.HasPrefix(sec.Name(), sourcePrefix) {
			continue
		}
		src := types.DefaultSource(strings.TrimPrefix(sec.Name(), sourcePrefix))
		if err := sec.MapTo(&src); err != nil {
			return nil, fmt.Errorf("map [%s]: %w", sec.Name(), err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// 敏感信息和部署相关的连接串允许通过环境变量覆盖
func applyEnv(cfg *types.Config) {
	overrideFromEnvString(&cfg.WeComConf.CorpID, "CORP_ID")
	overrideFromEnvString(&cfg.WeComConf.CorpSecret, "CORP_SECRET")
	overrideFromEnvInt64(&cfg.WeComConf.AgentID, "AGENT_ID")
	overrideFromEnvString(&cfg.DatabaseConf.Driver, "DB_DRIVER")
	overrideFromEnvString(&cfg.DatabaseConf.DSN, "DB_DSN")
	overrideFromEnvString(&cfg.ProxyConf.CheckURL, "PROXY_CHECK_URL")
	overrideFromEnvString(&cfg.AppConf.Host, "APP_HOST")
	overrideFromEnvInt(&cfg.AppConf.Port, "APP_PORT")
	overrideFromEnvString(&cfg.LogConf.Level, "LOG_LEVEL")
}

func overrideFromEnvString(target *string, envName string) {
	if v := os.Getenv(envName); v != "" {
		*target = v
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

func overrideFromEnvInt64(target *int64, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.ParseInt(envValue, 10, 64); err == nil {
			*target = intValue
		}
	}
}

// Watch 监听配置文件变化, 每次写入后重新加载并回调 onChange, 直到 ctx 结束。
// 监听的是所在目录, 以便兼容编辑器先删除再重建文件的保存方式。
func Watch(ctx context.Context, fileName string, onChange func(*types.Config)) error {
	l := logger.WithComponent("Config/Watch")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(fileName)); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", fileName, err)
	}

	target := filepath.Clean(fileName)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				cfg, err := Load(fileName)
				if err != nil {
					l.Warn().Err(err).Str("path", fileName).Msg("Config reload failed, keeping current settings.")
					continue
				}
				l.Info().Str("path", fileName).Msg("Config file changed, reloaded.")
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.Warn().Err(err).Msg("Config watcher error.")
			}
		}
	}()
	return nil
}
