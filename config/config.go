package config

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// DBConfig Database config
type DBConfig struct {
	Type     string `yaml:"type"` // sqlite or postgres
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

// SysConfig System config
type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

// WebConfig admin api config
type WebConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ApiToken string `yaml:"api_token"`
}

type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// WebhookEndpoint is one receiver of lifecycle events. An empty Events list
// subscribes to every event kind.
type WebhookEndpoint struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Token  string   `yaml:"token"`
	Events []string `yaml:"events"`
}

type WebhookConfig struct {
	Token       string            `yaml:"token"`
	Timeout     time.Duration     `yaml:"timeout"`
	MaxAttempts int               `yaml:"max_attempts"` // at most 3
	RetryDelay  time.Duration     `yaml:"retry_delay"`
	QueueSize   int               `yaml:"queue_size"` // per endpoint
	Workers     int               `yaml:"workers"`    // per endpoint
	Endpoints   []WebhookEndpoint `yaml:"endpoints"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type DedupConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type MediaConfig struct {
	InlineMaxBytes int           `yaml:"inline_max_bytes"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
}

type QRCodeConfig struct {
	Size       int    `yaml:"size"`
	Margin     int    `yaml:"margin"`
	DarkColor  string `yaml:"dark_color"`
	LightColor string `yaml:"light_color"`
}

type MessageConfig struct {
	IgnoreGroups bool `yaml:"ignore_groups"`
}

type SyncConfig struct {
	Interval        string `yaml:"interval"` // cron spec, e.g. "@every 15m"
	CleanupInterval string `yaml:"cleanup_interval"`
}

type AppConfig struct {
	System    SysConfig       `yaml:"system"`
	Web       WebConfig       `yaml:"web"`
	Database  DBConfig        `yaml:"database"`
	Logger    LogConfig       `yaml:"logger"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Media     MediaConfig     `yaml:"media"`
	QRCode    QRCodeConfig    `yaml:"qrcode"`
	Message   MessageConfig   `yaml:"message"`
	Sync      SyncConfig      `yaml:"sync"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(c.GetLogDir(), 0o755)
	_ = os.MkdirAll(c.GetDataDir(), 0o755)
}

// DefaultAppConfig returns a fresh copy of the built-in defaults.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		System: SysConfig{
			Appid:    "wahub",
			Location: "UTC",
			Workdir:  "/var/wahub",
		},
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Database: DBConfig{
			Type:     "sqlite",
			Host:     "127.0.0.1",
			Port:     5432,
			Name:     "wahub.db",
			User:     "postgres",
			MaxConn:  20,
			IdleConn: 5,
		},
		Logger: LogConfig{
			Mode:     "development",
			Filename: "/var/wahub/logs/wahub.log",
		},
		Webhook: WebhookConfig{
			Timeout:     10 * time.Second,
			MaxAttempts: 3,
			RetryDelay:  time.Second,
			QueueSize:   1024,
			Workers:     4,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   15 * time.Second,
			Multiplier:  2,
			MaxDelay:    60 * time.Second,
			MaxAttempts: 3,
		},
		Dedup: DedupConfig{
			TTL:             300 * time.Second,
			CleanupInterval: 60 * time.Second,
		},
		Media: MediaConfig{
			InlineMaxBytes: 5 * 1024 * 1024,
			FetchTimeout:   30 * time.Second,
		},
		QRCode: QRCodeConfig{
			Size:       512,
			Margin:     2,
			DarkColor:  "#000000",
			LightColor: "#FFFFFF",
		},
		Message: MessageConfig{IgnoreGroups: true},
		Sync:    SyncConfig{Interval: "@every 15m", CleanupInterval: "@every 1h"},
	}
}

func fileExists(file string) bool {
	info, err := os.Stat(file)
	return err == nil && !info.IsDir()
}

func setEnvValue(name string, val *string) {
	if evalue := os.Getenv(name); evalue != "" {
		*val = evalue
	}
}

func setEnvBoolValue(name string, val *bool) {
	if evalue := os.Getenv(name); evalue != "" {
		*val = cast.ToBool(evalue)
	}
}

func setEnvIntValue(name string, val *int) {
	if evalue := os.Getenv(name); evalue != "" {
		if v, err := cast.ToIntE(evalue); err == nil {
			*val = v
		}
	}
}

func setEnvFloatValue(name string, val *float64) {
	if evalue := os.Getenv(name); evalue != "" {
		if v, err := cast.ToFloat64E(evalue); err == nil {
			*val = v
		}
	}
}

func setEnvDurationValue(name string, val *time.Duration) {
	if evalue := os.Getenv(name); evalue != "" {
		if v, err := cast.ToDurationE(evalue); err == nil {
			*val = v
		}
	}
}

// setEnvEndpoints reads a single webhook endpoint from the environment.
// WAHUB_WEBHOOK_URL replaces any configured endpoints.
func setEnvEndpoints(cfg *WebhookConfig) {
	url := os.Getenv("WAHUB_WEBHOOK_URL")
	if url == "" {
		return
	}
	ep := WebhookEndpoint{Name: "default", URL: url}
	if events := os.Getenv("WAHUB_WEBHOOK_EVENTS"); events != "" {
		ep.Events = cast.ToStringSlice(strings.ReplaceAll(events, ",", " "))
	}
	cfg.Endpoints = []WebhookEndpoint{ep}
}

// LoadConfig reads cfile (falling back to ./wahub.yml and /etc/wahub.yml),
// fills in defaults and applies WAHUB_* environment overrides.
func LoadConfig(cfile string) (*AppConfig, error) {
	if cfile == "" {
		cfile = "wahub.yml"
	}
	if !fileExists(cfile) {
		cfile = "/etc/wahub.yml"
	}
	cfg := DefaultAppConfig()
	if fileExists(cfile) {
		data, err := os.ReadFile(cfile)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	setEnvValue("WAHUB_SYSTEM_WORKER_DIR", &cfg.System.Workdir)
	setEnvValue("WAHUB_SYSTEM_LOCATION", &cfg.System.Location)
	setEnvBoolValue("WAHUB_SYSTEM_DEBUG", &cfg.System.Debug)

	setEnvValue("WAHUB_WEB_HOST", &cfg.Web.Host)
	setEnvIntValue("WAHUB_WEB_PORT", &cfg.Web.Port)
	setEnvValue("WAHUB_API_TOKEN", &cfg.Web.ApiToken)

	setEnvValue("WAHUB_DB_TYPE", &cfg.Database.Type)
	setEnvValue("WAHUB_DB_HOST", &cfg.Database.Host)
	setEnvIntValue("WAHUB_DB_PORT", &cfg.Database.Port)
	setEnvValue("WAHUB_DB_NAME", &cfg.Database.Name)
	setEnvValue("WAHUB_DB_USER", &cfg.Database.User)
	setEnvValue("WAHUB_DB_PWD", &cfg.Database.Passwd)
	setEnvBoolValue("WAHUB_DB_DEBUG", &cfg.Database.Debug)

	setEnvValue("WAHUB_LOGGER_MODE", &cfg.Logger.Mode)
	setEnvBoolValue("WAHUB_LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)
	setEnvValue("WAHUB_LOGGER_FILENAME", &cfg.Logger.Filename)

	setEnvValue("WAHUB_WEBHOOK_TOKEN", &cfg.Webhook.Token)
	setEnvDurationValue("WAHUB_WEBHOOK_TIMEOUT", &cfg.Webhook.Timeout)
	setEnvIntValue("WAHUB_WEBHOOK_MAX_ATTEMPTS", &cfg.Webhook.MaxAttempts)
	setEnvIntValue("WAHUB_WEBHOOK_QUEUE_SIZE", &cfg.Webhook.QueueSize)
	setEnvIntValue("WAHUB_WEBHOOK_WORKERS", &cfg.Webhook.Workers)
	setEnvEndpoints(&cfg.Webhook)

	setEnvDurationValue("WAHUB_RECONNECT_BASE_DELAY", &cfg.Reconnect.BaseDelay)
	setEnvFloatValue("WAHUB_RECONNECT_MULTIPLIER", &cfg.Reconnect.Multiplier)
	setEnvDurationValue("WAHUB_RECONNECT_MAX_DELAY", &cfg.Reconnect.MaxDelay)
	setEnvIntValue("WAHUB_RECONNECT_MAX_ATTEMPTS", &cfg.Reconnect.MaxAttempts)

	setEnvDurationValue("WAHUB_DEDUP_TTL", &cfg.Dedup.TTL)
	setEnvIntValue("WAHUB_MEDIA_INLINE_MAX_BYTES", &cfg.Media.InlineMaxBytes)
	setEnvBoolValue("WAHUB_MESSAGE_IGNORE_GROUPS", &cfg.Message.IgnoreGroups)
	setEnvValue("WAHUB_SYNC_INTERVAL", &cfg.Sync.Interval)
	setEnvValue("WAHUB_SYNC_CLEANUP_INTERVAL", &cfg.Sync.CleanupInterval)

	cfg.initDirs()
	return cfg, nil
}
