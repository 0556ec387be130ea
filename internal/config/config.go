package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Ticket     TicketConfig     `yaml:"ticket"`
	Exclusion  ExclusionConfig  `yaml:"exclusion"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Alarm      AlarmConfig      `yaml:"alarm"`
	Drill      DrillConfig      `yaml:"drill"`
	External   ExternalConfig   `yaml:"external"`
	Log        LogConfig        `yaml:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Security   SecurityConfig   `yaml:"security"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TicketConfig 工单编排行为
type TicketConfig struct {
	// 开发环境跳过审批/人工确认阶段（仅限非生产）
	DevSkipHumanStages bool `yaml:"dev_skip_human_stages"`
	// awaiting-external 阶段请求取消编排后等待多久判定为卡死
	TerminateWaitWindow time.Duration `yaml:"terminate_wait_window"`
	// 瞬时失败自动重试的退避
	AutoRetryBackoff time.Duration `yaml:"auto_retry_backoff"`
	// 平台 DBA 兜底处理人
	PlatformDBAs []string `yaml:"platform_dbas"`
}

// ExclusionConfig 互斥矩阵来源
type ExclusionConfig struct {
	MatrixPath string `yaml:"matrix_path"`
}

type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// 回档演练单次选取的目标集群数
	ExerciseTargetCount int `yaml:"exercise_target_count"`
	// 回档演练准入的备份回看窗口
	BackupLookback time.Duration `yaml:"backup_lookback"`
}

type AlarmConfig struct {
	// 允许自愈的集群类型
	AutofixClusterTypes []string `yaml:"autofix_cluster_types"`
	// 通知群
	ChannelIDs []string `yaml:"channel_ids"`
	// 切换队列等待上限（秒）
	SwitchMaxWaitSeconds int `yaml:"switch_max_wait_seconds"`
}

type DrillConfig struct {
	// 注入故障后轮询集群状态的次数与间隔
	StatusMaxRetry int           `yaml:"status_max_retry"`
	StatusInterval time.Duration `yaml:"status_interval"`
	// 编排树轮询
	WorkflowMaxRetry int           `yaml:"workflow_max_retry"`
	WorkflowInterval time.Duration `yaml:"workflow_interval"`
	// 备份巡检阈值
	FullBackupMaxDuration time.Duration `yaml:"full_backup_max_duration"`
	MinIncrementalCount   int           `yaml:"min_incremental_count"`
	// 备份巡检只看这个年龄以上的集群
	ClusterMinAge time.Duration `yaml:"cluster_min_age"`
}

// ExternalConfig 外部协作方端点
type ExternalConfig struct {
	Actuator  EndpointConfig `yaml:"actuator"`
	Approval  EndpointConfig `yaml:"approval"`
	Resource  EndpointConfig `yaml:"resource"`
	Notifier  EndpointConfig `yaml:"notifier"`
	Monitor   EndpointConfig `yaml:"monitor"`
	HASwitch  EndpointConfig `yaml:"ha_switch"`
	Inventory EndpointConfig `yaml:"inventory"`
}

type EndpointConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxAge     int    `yaml:"max_age"`     // days
	MaxBackups int    `yaml:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress"`    // compress backup files
}

type MonitoringConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MetricsPath string        `yaml:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP gRPC 端点
	Insecure    bool    `yaml:"insecure"`     // 是否使用明文（本地/开发）
	SampleRatio float64 `yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `yaml:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `yaml:"cors"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

func Load() *Config {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}
	return &config
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "dbflow",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Ticket: TicketConfig{
			DevSkipHumanStages:  false,
			TerminateWaitWindow: 10 * time.Minute,
			AutoRetryBackoff:    30 * time.Second,
			PlatformDBAs:        []string{"admin"},
		},
		Exclusion: ExclusionConfig{
			MatrixPath: "./conf/ticket_exclusion.csv",
		},
		Scheduler: SchedulerConfig{
			Enabled:             true,
			ExerciseTargetCount: 4,
			BackupLookback:      48 * time.Hour,
		},
		Alarm: AlarmConfig{
			AutofixClusterTypes:  []string{"rediscluster", "mongocluster"},
			ChannelIDs:           []string{},
			SwitchMaxWaitSeconds: 600,
		},
		Drill: DrillConfig{
			StatusMaxRetry:        30,
			StatusInterval:        10 * time.Second,
			WorkflowMaxRetry:      60,
			WorkflowInterval:      10 * time.Second,
			FullBackupMaxDuration: 8 * time.Hour,
			MinIncrementalCount:   12,
			ClusterMinAge:         72 * time.Hour,
		},
		External: ExternalConfig{
			Actuator:  EndpointConfig{BaseURL: "http://localhost:9100", Timeout: 30 * time.Second},
			Approval:  EndpointConfig{BaseURL: "http://localhost:9101", Timeout: 30 * time.Second},
			Resource:  EndpointConfig{BaseURL: "http://localhost:9102", Timeout: 30 * time.Second},
			Notifier:  EndpointConfig{BaseURL: "http://localhost:9103", Timeout: 10 * time.Second},
			Monitor:   EndpointConfig{BaseURL: "http://localhost:9104", Timeout: 30 * time.Second},
			HASwitch:  EndpointConfig{BaseURL: "http://localhost:9105", Timeout: 30 * time.Second},
			Inventory: EndpointConfig{BaseURL: "http://localhost:9106", Timeout: 30 * time.Second},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "both",
			FilePath:   "./logs/dbflow.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "dbflow",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
	}
}
