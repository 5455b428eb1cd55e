package cfg

import (
	"cmp"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage configuration
	DBPath string `long:"db-path" env:"DB_PATH" default:"./friend-mesh.db" description:"Path to the SQLite database file"`

	// Application configuration
	Port              string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	SiteURL           string `long:"site-url" env:"SITE_URL" required:"true" description:"Public base URL of this site (e.g., https://blog.example.com)"`
	WorkerCount       int    `long:"worker-count" env:"WORKER_COUNT" default:"5" description:"Number of background workers for feed processing"`
	SchedulerInterval int    `long:"scheduler-interval" env:"SCHEDULER_INTERVAL" default:"30" description:"Scheduler interval in seconds"`
	APIAccessKey      string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for the admin endpoints (optional)"`
	SettingsFile      string `long:"settings" env:"SETTINGS_FILE" description:"Path to an optional YAML settings file (keywords, default rules)"`

	// Federation policy
	IncomingEnabled bool   `long:"incoming-enabled" env:"INCOMING_ENABLED" description:"Accept incoming friend requests"`
	CodeWord        string `long:"code-word" env:"CODE_WORD" description:"Code word required on incoming friend requests (optional)"`

	// Polling defaults
	PollInterval int `long:"poll-interval" env:"POLL_INTERVAL" default:"3600" description:"Default feed poll interval in seconds"`
	HTTPTimeout  int `long:"http-timeout" env:"HTTP_TIMEOUT" default:"30" description:"Timeout for outbound HTTP requests in seconds"`

	// Retention defaults
	RetentionMaxAgeDays int `long:"retention-max-age" env:"RETENTION_MAX_AGE" default:"0" description:"Drop cached items older than this many days (0 disables)"`
	RetentionMaxCount   int `long:"retention-max-count" env:"RETENTION_MAX_COUNT" default:"0" description:"Keep at most this many cached items per feed (0 disables)"`

	// Notification defaults
	NotifyNewPosts bool `long:"notify-new-posts" env:"NOTIFY_NEW_POSTS" description:"Emit new-post notification decisions"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"Friend Mesh/1.0" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

func Load() (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBPath:              raw.DBPath,
		Port:                raw.Port,
		SiteURL:             normalizeSiteURL(raw.SiteURL),
		WorkerCount:         raw.WorkerCount,
		SchedulerInterval:   raw.SchedulerInterval,
		APIAccessKey:        raw.APIAccessKey,
		SettingsFile:        raw.SettingsFile,
		IncomingEnabled:     raw.IncomingEnabled,
		CodeWord:            raw.CodeWord,
		PollInterval:        raw.PollInterval,
		HTTPTimeout:         raw.HTTPTimeout,
		RetentionMaxAgeDays: raw.RetentionMaxAgeDays,
		RetentionMaxCount:   raw.RetentionMaxCount,
		NotifyNewPosts:      raw.NotifyNewPosts,
		UserAgent:           raw.UserAgent,
		Timezone:            raw.Timezone,
		Debug:               raw.Debug,
		Version:             GetVersion(),
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

func normalizeSiteURL(u string) string {
	for len(u) > 0 && u[len(u)-1] == '/' {
		u = u[:len(u)-1]
	}
	return u
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
			fmt.Printf("Timezone configured: %s\n", timezone)
		}
	}
	return nil
}
