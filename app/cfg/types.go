package cfg

type Cfg struct {
	// Storage configuration
	DBPath string

	// Application configuration
	Port              string
	SiteURL           string
	WorkerCount       int
	SchedulerInterval int
	APIAccessKey      string
	SettingsFile      string

	// Federation policy
	IncomingEnabled bool
	CodeWord        string

	// Polling defaults
	PollInterval int // seconds
	HTTPTimeout  int // seconds

	// Retention defaults (0 disables the limit)
	RetentionMaxAgeDays int
	RetentionMaxCount   int

	// Notification defaults
	NotifyNewPosts bool

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}

// Settings holds the optional YAML-file settings: the global keyword list
// used by the notification matcher and the rule defaults applied to feeds
// that carry no rules of their own.
type Settings struct {
	Keywords     []string      `yaml:"keywords"`
	CatchAll     string        `yaml:"catch_all"`
	DefaultRules []SettingRule `yaml:"default_rules"`
}

type SettingRule struct {
	Field       string `yaml:"field"`
	Match       string `yaml:"match"`
	Pattern     string `yaml:"pattern"`
	Action      string `yaml:"action"`
	Replacement string `yaml:"replacement"`
}
