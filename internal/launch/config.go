package launch

import (
	"fmt"
	"strings"
	"time"

	"github.com/CZERTAINLY/Launcher/internal/remote"
	"github.com/spf13/viper"
)

type Settings struct {
	// Python runs the launcher entrypoints.
	Python         string `mapstructure:"python"`
	AppsDir        string `mapstructure:"apps_dir"`
	RunScript      string `mapstructure:"run_script"`
	ScheduleScript string `mapstructure:"schedule_script"`
	// ScriptDir holds queue submission scripts, <project>/Logs when empty.
	ScriptDir     string        `mapstructure:"script_dir"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	CancelTimeout time.Duration `mapstructure:"cancel_timeout"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`
}

func (s Settings) withDefaults() Settings {
	if s.Python == "" {
		s.Python = "python3"
	}
	if s.RunScript == "" {
		s.RunScript = "pw_protocol_run.py"
	}
	if s.ScheduleScript == "" {
		s.ScheduleScript = "pw_schedule_run.py"
	}
	if s.SubmitTimeout == 0 {
		s.SubmitTimeout = time.Minute
	}
	if s.CancelTimeout == 0 {
		s.CancelTimeout = 30 * time.Second
	}
	if s.RemoteTimeout == 0 {
		s.RemoteTimeout = 2 * time.Minute
	}
	return s
}

const (
	TransportExec = "exec"
	TransportSSH  = "ssh"
)

// Config is the launcher section of the configuration file.
type Config struct {
	Settings `mapstructure:",squash"`
	// Store is the sqlite database with job records.
	Store     string           `mapstructure:"store"`
	Transport string           `mapstructure:"transport"`
	SSH       remote.SSHConfig `mapstructure:"ssh"`
	// Parallel bounds concurrent stops and file copies.
	Parallel int `mapstructure:"parallel"`
}

var defaults = map[string]any{
	"python":          "python3",
	"run_script":      "pw_protocol_run.py",
	"schedule_script": "pw_schedule_run.py",
	"submit_timeout":  "1m",
	"cancel_timeout":  "30s",
	"remote_timeout":  "2m",
	"store":           "launcher.db",
	"transport":       TransportExec,
	"parallel":        4,
}

var envKeys = []string{
	"python",
	"apps_dir",
	"run_script",
	"schedule_script",
	"script_dir",
	"submit_timeout",
	"cancel_timeout",
	"remote_timeout",
	"store",
	"transport",
	"parallel",
	"ssh.user",
	"ssh.port",
	"ssh.key_file",
	"ssh.known_hosts",
	"ssh.insecure_ignore_host_key",
	"ssh.dial_timeout",
}

// ParseConfig reads the section under key from viper. Every setting can be
// overridden by a LAUNCHER_ prefixed environment variable, ssh.key_file by
// LAUNCHER_SSH_KEY_FILE.
func ParseConfig(key string) (Config, error) {
	for k, v := range defaults {
		viper.SetDefault(key+"."+k, v)
	}
	for _, k := range envKeys {
		if err := viper.BindEnv(key+"."+k, EnvName(k)); err != nil {
			return Config{}, fmt.Errorf("binding %s: %w", k, err)
		}
	}

	// UnmarshalKey would skip the environment of nested keys
	section := viper.New()
	if m, ok := lookup(viper.AllSettings(), key); ok {
		if err := section.MergeConfigMap(m); err != nil {
			return Config{}, err
		}
	}
	var cfg Config
	if err := section.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", key, err)
	}

	switch cfg.Transport {
	case TransportExec, TransportSSH:
	default:
		return Config{}, fmt.Errorf("unsupported transport %q, use %s or %s", cfg.Transport, TransportExec, TransportSSH)
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 1
	}
	cfg.Settings = cfg.Settings.withDefaults()
	return cfg, nil
}

func EnvName(key string) string {
	return "LAUNCHER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func lookup(m map[string]any, key string) (map[string]any, bool) {
	for part := range strings.SplitSeq(strings.ToLower(key), ".") {
		sub, ok := m[part].(map[string]any)
		if !ok {
			return nil, false
		}
		m = sub
	}
	return m, true
}
