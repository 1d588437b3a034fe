package config

import (
	"os"
	"strings"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel = "info"

	defaultPort            = 22
	defaultUser            = "Administrator"
	defaultCommandTimeout  = 10
	defaultPacingMS        = 500
	defaultHysteresis      = 4
	defaultRetryAttempts   = 3
	defaultRetryBackoffMS  = 750
	defaultActualsStaleSec = 30
	defaultFanReadDelayMS  = 250
	defaultIntervalSec     = 5
	defaultActuatorOffset  = -1
	defaultRingCapacity    = 200
)

// Mode selects how speed-set commands address the controller.
const (
	ModeDirect   = "direct"   // low-level "fan p <id> max/min <raw>" commands
	ModeProperty = "property" // SMASH-CLP "set <path> <prop>=<pct>" commands
)

type Config struct {
	// Controller endpoint
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	IdentityFile string `mapstructure:"identity_file"`

	// Transport hardening
	LegacyCrypto   bool `mapstructure:"legacy_crypto"`
	ForcePTY       bool `mapstructure:"force_pty"`
	ControlPersist int  `mapstructure:"control_persist"`
	ServerAlive    int  `mapstructure:"server_alive"`

	// Command layer
	CommandTimeout int    `mapstructure:"command_timeout"`
	RetryAttempts  int    `mapstructure:"retry_attempts"`
	RetryBackoffMS int    `mapstructure:"retry_backoff_ms"`
	LockFile       string `mapstructure:"lock_file"`
	RingCapacity   int    `mapstructure:"ring_capacity"`

	// Actuation
	Mode           string `mapstructure:"mode"`
	Hysteresis     int    `mapstructure:"hysteresis"`
	PacingMS       int    `mapstructure:"pacing_ms"`
	ActuatorOffset int    `mapstructure:"actuator_offset"`
	ActuatorIDs    []int  `mapstructure:"actuator_ids"`

	// Discovery
	Model          string   `mapstructure:"model"`
	Fans           []string `mapstructure:"fans"`
	CandidatePaths []string `mapstructure:"candidate_paths"`
	CandidateProps []string `mapstructure:"candidate_props"`
	SensorsPath    string   `mapstructure:"sensors_path"`
	PingCommand    string   `mapstructure:"ping_command"`

	// Telemetry
	Interval        int    `mapstructure:"interval"`
	ActualsStaleSec int    `mapstructure:"actuals_stale"`
	FanReadDelayMS  int    `mapstructure:"fan_read_delay_ms"`
	DaemonPIDFile   string `mapstructure:"daemon_pid_file"`

	// Persistence
	SpeedFile string `mapstructure:"speed_file"`
	HistoryDB string `mapstructure:"history_db"`
	History   bool   `mapstructure:"history"`

	// Presentation and modes
	DisplayRaw bool   `mapstructure:"display_raw"`
	Monitor    bool   `mapstructure:"monitor"`
	Debug      bool   `mapstructure:"debug"`
	Verbose    bool   `mapstructure:"verbose"`
	LogLevel   string `mapstructure:"log_level"`

	// One-shot operations; the binary exits after performing one
	Set      int    `mapstructure:"set"`
	Fan      string `mapstructure:"fan"`
	Test     bool   `mapstructure:"test"`
	Discover bool   `mapstructure:"discover"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", defaultPort)
	v.SetDefault("user", defaultUser)
	v.SetDefault("force_pty", true)
	v.SetDefault("command_timeout", defaultCommandTimeout)
	v.SetDefault("retry_attempts", defaultRetryAttempts)
	v.SetDefault("retry_backoff_ms", defaultRetryBackoffMS)
	v.SetDefault("lock_file", "/run/lock/bmcfanctl.lock")
	v.SetDefault("ring_capacity", defaultRingCapacity)
	v.SetDefault("mode", ModeDirect)
	v.SetDefault("hysteresis", defaultHysteresis)
	v.SetDefault("pacing_ms", defaultPacingMS)
	v.SetDefault("actuator_offset", defaultActuatorOffset)
	v.SetDefault("fans", []string{"fan1", "fan2", "fan3", "fan4", "fan5"})
	v.SetDefault("candidate_paths", []string{"/system1", "/system1/fans1"})
	v.SetDefault("candidate_props", []string{"speed", "pwm", "fanspeed", "duty"})
	v.SetDefault("sensors_path", "/system1/sensors1")
	v.SetDefault("ping_command", "version")
	v.SetDefault("interval", defaultIntervalSec)
	v.SetDefault("actuals_stale", defaultActualsStaleSec)
	v.SetDefault("fan_read_delay_ms", defaultFanReadDelayMS)
	v.SetDefault("daemon_pid_file", "/run/fanctld.pid")
	v.SetDefault("speed_file", "/var/lib/bmcfanctl/fan_speeds.txt")
	v.SetDefault("history_db", "/var/lib/bmcfanctl/history.db")
	v.SetDefault("history", false)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("set", -1)
	v.SetDefault("fan", "all")
}

// flagOverrides holds the flags explicitly set at startup. Flags are the
// highest-precedence layer, so Watch re-applies them to every reloaded
// config; a daemon started with --monitor stays read-only across file
// edits.
var flagOverrides map[string]string

// Load reads configuration from the TOML file, environment, and command
// line flags, in ascending precedence.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	errFactory := errors.New()
	v := viper.New()
	setDefaults(v)

	flags := pflag.NewFlagSet("bmcfanctl", pflag.ContinueOnError)
	flags.String("host", "", "Controller address")
	flags.String("mode", "", "Addressing mode: direct or property")
	flags.Int("interval", 0, "Seconds between telemetry refresh checks")
	flags.Int("hysteresis", 0, "Raw duty-cycle gap between max and min setpoints")
	flags.Bool("monitor", false, "Only monitor; never send set commands")
	flags.Int("set", -1, "Set fan speed percent once and exit")
	flags.String("fan", "all", "Fan to target with --set")
	flags.Bool("test", false, "Test controller connectivity and exit")
	flags.Bool("discover", false, "Discover the fan schema and exit")
	flags.Bool("debug", false, "Enable debugging mode")
	flags.Bool("verbose", false, "Enable verbose logging")
	flags.String("log-level", "", "Log level (debug, info, warning, error)")
	if err := flags.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v.SetConfigName("bmcfanctl")
	v.SetConfigType("toml")
	v.AddConfigPath("/etc")
	v.AddConfigPath(".")
	if path := os.Getenv("BMCFANCTL_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix("BMCFANCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errFactory.WithMessage(errors.ErrReadConfig, "Failed to read config file").WithData(err.Error())
		}
	}

	// Explicit flags override file values
	overrides := map[string]string{}
	flags.Visit(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		overrides[key] = f.Value.String()
		v.Set(key, f.Value.String())
	})
	flagOverrides = overrides

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	config.applyLogLevel()

	return config, nil
}

// Validate checks the loaded values for internal consistency.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !isValidLogLevel(c.LogLevel) {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Mode != ModeDirect && c.Mode != ModeProperty {
		return errFactory.WithData(errors.ErrInvalidConfig, "mode must be direct or property")
	}
	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.Hysteresis < 0 || c.Hysteresis > 64 {
		return errFactory.WithData(errors.ErrInvalidConfig, "hysteresis out of range")
	}
	if c.CommandTimeout <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "command_timeout must be positive")
	}
	if len(c.ActuatorIDs) > 0 && len(c.Fans) > 0 && len(c.ActuatorIDs) != len(c.Fans) {
		return errFactory.WithData(errors.ErrInvalidConfig, "actuator_ids must match fans in length")
	}
	if c.Set != -1 && (c.Set < 0 || c.Set > 100) {
		return errFactory.WithData(errors.ErrInvalidConfig, "set percent out of range")
	}

	return nil
}

func (c *Config) applyLogLevel() {
	switch {
	case c.Debug || c.LogLevel == "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case c.Verbose || c.LogLevel == "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case c.LogLevel == "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case c.LogLevel == "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warning", "error":
		return true
	default:
		return false
	}
}

// Watch re-reads the config file on change and invokes onReload with the
// fresh configuration. Discovery caches key their explicit reset off this
// callback. Invalid replacement configs are logged via the error and
// dropped; the previous config stays in effect.
func Watch(onReload func(*Config), onError func(error)) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("bmcfanctl")
	v.SetConfigType("toml")
	v.AddConfigPath("/etc")
	v.AddConfigPath(".")
	if path := os.Getenv("BMCFANCTL_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		// Nothing to watch without a config file
		return
	}

	// Startup flags outrank the file on every reload, same as at load time
	for key, value := range flagOverrides {
		v.Set(key, value)
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		fresh := &Config{}
		if err := v.Unmarshal(fresh); err != nil {
			onError(err)
			return
		}
		if err := fresh.Validate(); err != nil {
			onError(err)
			return
		}
		onReload(fresh)
	})
	v.WatchConfig()
}
