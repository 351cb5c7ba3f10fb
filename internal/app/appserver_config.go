package app

import (
	"reflect"

	"wxpush_gateway/internal/shared/logger"
	"wxpush_gateway/internal/shared/types"
)

// applyConfig 处理配置文件热加载。只有日志级别会立即生效,
// 其余修改需要重启后生效, 这里逐项给出提示。
func (s *AppServer) applyConfig(next *types.Config) {
	s.cfgLock.Lock()
	prev := s.cfg
	s.cfg = next
	s.cfgLock.Unlock()

	if prev.LogConf.Level != next.LogConf.Level {
		level := logger.SetLevel(next.LogConf.Level)
		logger.Info().Msgf("Log level changed to: %s", level.String())
	}

	for _, section := range restartRequired(prev, next) {
		logger.Warn().Str("section", section).Msg("Config section changed, restart required to apply.")
	}
}

// restartRequired lists the config sections that differ between prev and
// next and are only read at startup.
func restartRequired(prev, next *types.Config) []string {
	var changed []string
	if prev.AppConf != next.AppConf {
		changed = append(changed, "app")
	}
	if prev.WeComConf != next.WeComConf {
		changed = append(changed, "wecom")
	}
	if prev.DatabaseConf != next.DatabaseConf {
		changed = append(changed, "database")
	}
	if prev.ProxyConf != next.ProxyConf {
		changed = append(changed, "proxy")
	}
	if prev.WebConf != next.WebConf {
		changed = append(changed, "web")
	}
	if !reflect.DeepEqual(prev.Sources, next.Sources) {
		changed = append(changed, "source")
	}
	return changed
}
