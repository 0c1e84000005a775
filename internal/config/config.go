// Package config loads stackup.toml. Precedence, lowest first: built-in
// defaults, the file, STACKUP_* environment variables, command-line flags.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

// FileName is the settings file looked up in the working directory.
const FileName = "stackup.toml"

// Config is the resolved settings.
type Config struct {
	// StateDir holds the run database and the log file.
	StateDir string `toml:"state_dir" validate:"required"`
	// Backend is the default launch backend.
	Backend string `toml:"backend" validate:"oneof=docker process"`

	Log Log `toml:"log"`
	Up  Up  `toml:"up"`
}

// Log configures internal/logging.
type Log struct {
	Level      string `toml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `toml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `toml:"max_age_days" validate:"gte=0"`
	Compress   bool   `toml:"compress"`
}

// Up holds the defaults for the up command.
type Up struct {
	StartupTimeout time.Duration `toml:"startup_timeout" validate:"gte=0"`
	PollInterval   time.Duration `toml:"poll_interval" validate:"gte=0"`
	StallTimeout   time.Duration `toml:"stall_timeout" validate:"gte=0"`
	MaxParallel    int           `toml:"max_parallel" validate:"gte=0"`
	MetricsAddr    string        `toml:"metrics_addr" validate:"omitempty,hostname_port"`
	// KeepRuns is how many runs per project the store keeps.
	KeepRuns int `toml:"keep_runs" validate:"gte=1"`
}

var validate = validator.New()

// Default returns the built-in settings.
func Default() Config {
	return Config{
		StateDir: defaultStateDir(),
		Backend:  "docker",
		Log:      Log{Level: "info", MaxSizeMB: 20, MaxBackups: 3, MaxAgeDays: 14},
		Up: Up{
			PollInterval: time.Second,
			StallTimeout: 30 * time.Second,
			MaxParallel:  8,
			KeepRuns:     20,
		},
	}
}

func defaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "stackup")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "stackup")
	}
	return filepath.Join(os.TempDir(), "stackup")
}

// Load resolves the settings. An explicit path must exist; with an empty
// path, STACKUP_CONFIG, ./stackup.toml and the user config dir are tried
// in that order and a missing file means defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("STACKUP_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = findFile()
	}
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			if !explicit && errors.Is(err, os.ErrNotExist) {
				err = nil
			}
			if err != nil {
				return Config{}, err
			}
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.StateDir = expandHome(cfg.StateDir)
	cfg.Log.File = expandHome(cfg.Log.File)
	return cfg, cfg.Validate()
}

func findFile() string {
	candidates := []string{FileName}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "stackup", "config.toml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func decodeFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return errors.Newf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// applyEnv overlays STACKUP_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "%s", key)
		}
		*dst = d
		return nil
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%s", key)
		}
		*dst = n
		return nil
	}

	str("STACKUP_STATE_DIR", &cfg.StateDir)
	str("STACKUP_BACKEND", &cfg.Backend)
	str("STACKUP_LOG_LEVEL", &cfg.Log.Level)
	str("STACKUP_LOG_FILE", &cfg.Log.File)
	str("STACKUP_METRICS_ADDR", &cfg.Up.MetricsAddr)
	return errors.CombineErrors(
		errors.CombineErrors(
			dur("STACKUP_STARTUP_TIMEOUT", &cfg.Up.StartupTimeout),
			dur("STACKUP_POLL_INTERVAL", &cfg.Up.PollInterval),
		),
		num("STACKUP_MAX_PARALLEL", &cfg.Up.MaxParallel),
	)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Validate checks field constraints and reports every violation.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "validate config")
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fe.Namespace() + ": failed " + fe.Tag()
		if fe.Param() != "" {
			msgs[i] += "=" + fe.Param()
		}
	}
	return errors.Newf("invalid config: %s", strings.Join(msgs, "; "))
}
