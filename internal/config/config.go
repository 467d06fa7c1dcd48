package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Serving modes.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	Mode      string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// SchedulerConfig holds scheduling and execution settings.
type SchedulerConfig struct {
	UseUTC        bool
	ShutdownGrace time.Duration
	// Retention is the number of executions kept per task.
	Retention     int
	SequencesFile string
	WatchFiles    bool
	DefaultDryRun bool
}

// WebhookConfig holds webhook fan-out settings. Target lists are separated
// by Delimiter.
type WebhookConfig struct {
	DailyTargets   string
	WeeklyTargets  string
	MonthlyTargets string
	Token          string
	Signature      string
	Delimiter      string
	Timeout        time.Duration
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Scheduler    SchedulerConfig
	Webhook      WebhookConfig
	Notification NotificationConfig

	StateDir    string
	RecordsFile string
}

const (
	defaultAddr           = "0.0.0.0:7070"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultRetention      = 20
	defaultShutdownGrace  = 5 * time.Second
	defaultWebhookTimeout = 10 * time.Second
	defaultDelimiter      = ";"

	sequencesFileName = "sequences.yaml"
	recordsFileName   = "records.json"
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse loads .env files and parses the process arguments.
// Priority: CLI flags > Environment variables > .env file > defaults
func Parse() (*Config, error) {
	// Existing environment wins over .env files; missing files are fine.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "taskorch", ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}
	return ParseArgs(os.Args[1:])
}

// ParseArgs builds a Config from the environment and args.
func ParseArgs(args []string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("TASKORCH_ADDR", defaultAddr),
			AuthToken: getEnvString("TASKORCH_AUTH_TOKEN", ""),
			Mode:      getEnvString("TASKORCH_MODE", ModeHTTP),
		},
		Log: LogConfig{
			Level:  getEnvString("TASKORCH_LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("TASKORCH_LOG_FORMAT", defaultLogFormat),
		},
		Scheduler: SchedulerConfig{
			UseUTC:        getEnvBool("TASKORCH_USE_UTC", false),
			ShutdownGrace: getEnvDuration("TASKORCH_SHUTDOWN_GRACE", defaultShutdownGrace),
			Retention:     getEnvInt("TASKORCH_EXECUTION_RETENTION", defaultRetention),
			SequencesFile: getEnvString("TASKORCH_SEQUENCES_FILE", ""),
			WatchFiles:    getEnvBool("TASKORCH_WATCH", true),
			DefaultDryRun: getEnvBool("TASKORCH_DRY_RUN", false),
		},
		Webhook: WebhookConfig{
			DailyTargets:   getEnvString("TASKORCH_WEBHOOK_DAILY_URLS", ""),
			WeeklyTargets:  getEnvString("TASKORCH_WEBHOOK_WEEKLY_URLS", ""),
			MonthlyTargets: getEnvString("TASKORCH_WEBHOOK_MONTHLY_URLS", ""),
			Token:          getEnvString("TASKORCH_WEBHOOK_TOKEN", ""),
			Signature:      getEnvString("TASKORCH_WEBHOOK_SIGNATURE", ""),
			Delimiter:      getEnvString("TASKORCH_WEBHOOK_DELIMITER", defaultDelimiter),
			Timeout:        getEnvDuration("TASKORCH_WEBHOOK_TIMEOUT", defaultWebhookTimeout),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("TASKORCH_BARK_URL", ""),
				Enabled: getEnvBool("TASKORCH_BARK_ENABLED", false),
			},
		},
		StateDir:    getEnvString("TASKORCH_STATE_DIR", ""),
		RecordsFile: getEnvString("TASKORCH_RECORDS_FILE", ""),
	}

	fs := flag.NewFlagSet("taskorchd", flag.ContinueOnError)
	fs.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Server.Mode, "mode", cfg.Server.Mode, "Serving mode: http, mcp or both")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory holding the database and sequence file")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format (text or json)")
	fs.BoolVar(&cfg.Scheduler.UseUTC, "use-utc", cfg.Scheduler.UseUTC, "Use UTC for cron evaluation instead of system local time")
	fs.DurationVar(&cfg.Scheduler.ShutdownGrace, "shutdown-grace", cfg.Scheduler.ShutdownGrace, "Grace period when shutting down")
	fs.IntVar(&cfg.Scheduler.Retention, "retention", cfg.Scheduler.Retention, "Number of executions to retain per task")
	fs.StringVar(&cfg.Scheduler.SequencesFile, "sequences", cfg.Scheduler.SequencesFile, "Sequence registry YAML file")
	fs.BoolVar(&cfg.Scheduler.WatchFiles, "watch", cfg.Scheduler.WatchFiles, "Reload the sequence file when it changes")
	fs.BoolVar(&cfg.Scheduler.DefaultDryRun, "dry-run", cfg.Scheduler.DefaultDryRun, "Run sequences without side effects unless they override it")
	fs.StringVar(&cfg.RecordsFile, "records", cfg.RecordsFile, "JSON records file iterated by record units")
	fs.DurationVar(&cfg.Webhook.Timeout, "webhook-timeout", cfg.Webhook.Timeout, "Per-request webhook timeout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch cfg.Server.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		return nil, fmt.Errorf("invalid mode %q: want http, mcp or both", cfg.Server.Mode)
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Scheduler.SequencesFile == "" {
		cfg.Scheduler.SequencesFile = filepath.Join(cfg.StateDir, sequencesFileName)
	}
	if cfg.RecordsFile == "" {
		cfg.RecordsFile = filepath.Join(cfg.StateDir, recordsFileName)
	}
	if cfg.Scheduler.Retention < 1 {
		cfg.Scheduler.Retention = defaultRetention
	}
	if cfg.Webhook.Delimiter == "" {
		cfg.Webhook.Delimiter = defaultDelimiter
	}
	if cfg.Notification.Bark.URL != "" && !cfg.Notification.Bark.Enabled {
		if _, set := os.LookupEnv("TASKORCH_BARK_ENABLED"); !set {
			cfg.Notification.Bark.Enabled = true
		}
	}

	return cfg, nil
}

// Location returns the zone cron expressions are evaluated in.
func (c *Config) Location() *time.Location {
	if c.Scheduler.UseUTC {
		return time.UTC
	}
	return time.Local
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "taskorch")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
