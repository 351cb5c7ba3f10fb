package types

// AppConf 包含 HTTP 服务监听相关配置
type AppConf struct {
	Host string `ini:"host"`
	Port int    `ini:"port"`
}

// WeComConf 是企业微信应用的凭据与接口地址
type WeComConf struct {
	CorpID     string `ini:"corp_id"`
	CorpSecret string `ini:"corp_secret"`
	AgentID    int64  `ini:"agent_id"`
	// BaseURL 默认为 https://qyapi.weixin.qq.com, 测试时可指向本地服务
	BaseURL             string `ini:"base_url"`
	TokenTimeoutSeconds int    `ini:"token_timeout_seconds"`
	SendTimeoutSeconds  int    `ini:"send_timeout_seconds"`
}

// DatabaseConf 描述代理库存所在的关系型数据库
type DatabaseConf struct {
	Driver string `ini:"driver"` // "postgres" or "sqlite"
	DSN    string `ini:"dsn"`
}

// ProxyConf 包含代理池健康检查相关配置
type ProxyConf struct {
	CheckURL            string `ini:"check_url"`
	CheckTimeoutSeconds int    `ini:"check_timeout_seconds"`
	CheckConcurrency    int    `ini:"check_concurrency"`
	ReconcileSchedule   string `ini:"reconcile_schedule"` // cron 表达式, 为空则不启用定时全量检测
	HarvestSchedule     string `ini:"harvest_schedule"`   // cron 表达式, 为空则不启用定时抓取
}

// SourceConf 描述一个公开代理列表页面, 对应 ini 中的 [source.<name>] 小节
type SourceConf struct {
	Name           string   `ini:"-"`
	Kind           string   `ini:"kind"` // "table" 或 "script"
	URLs           []string `ini:"urls" delim:","`
	RowSelector    string   `ini:"row_selector"`
	IPColumn       int      `ini:"ip_column"`
	PortColumn     int      `ini:"port_column"`
	ProtocolColumn int      `ini:"protocol_column"` // -1 表示页面不提供协议列
	Protocol       string   `ini:"protocol"`        // 页面不提供协议时使用
	Pattern        string   `ini:"pattern"`         // script 类型: 第一个捕获组为 JSON 数组
	DelaySeconds   int      `ini:"delay_seconds"`
}

// DefaultSource returns the values used for keys absent from a source section.
func DefaultSource(name string) SourceConf {
	return SourceConf{
		Name:           name,
		Kind:           "table",
		IPColumn:       0,
		PortColumn:     1,
		ProtocolColumn: -1,
		Protocol:       "http",
		DelaySeconds:   2,
	}
}

// WebConf 包含管理接口认证与限流配置
type WebConf struct {
	User         string  `ini:"user"`
	Password     string  `ini:"password"`
	PushRate     float64 `ini:"push_rate"` // 每秒允许的 /push 请求数, 0 表示不限流
	PushBurst    int     `ini:"push_burst"`
	AccessLogMax int     `ini:"access_log_max"` // 访问日志中请求/响应体的最大长度
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// Config 是网关的统一配置结构体
type Config struct {
	AppConf      `ini:"app"`
	WeComConf    `ini:"wecom"`
	DatabaseConf `ini:"database"`
	ProxyConf    `ini:"proxy"`
	WebConf      `ini:"web"`
	LogConf      `ini:"log"`

	// Sources 来自所有 [source.*] 小节, 按文件中的顺序排列
	Sources []SourceConf `ini:"-"`
}

// Default returns a Config populated with the values used when a key is absent.
func Default() *Config {
	return &Config{
		AppConf: AppConf{Host: "0.0.0.0", Port: 8000},
		WeComConf: WeComConf{
			BaseURL:             "https://qyapi.weixin.qq.com",
			TokenTimeoutSeconds: 10,
			SendTimeoutSeconds:  10,
		},
		DatabaseConf: DatabaseConf{Driver: "postgres"},
		ProxyConf: ProxyConf{
			CheckURL:            "https://httpbin.org/ip",
			CheckTimeoutSeconds: 5,
			CheckConcurrency:    32,
		},
		WebConf: WebConf{AccessLogMax: 2048},
		LogConf: LogConf{Level: "info"},
	}
}
