package config

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/searchktools/proactor/core"
)

// EnvPrefix is the prefix of environment overrides (PROACTOR_PORT, ...)
const EnvPrefix = "PROACTOR"

// Config holds all application configuration.
type Config struct {
	Port            int           `config:"port"`
	DocumentRoot    string        `config:"document.root"`
	IdleTimeout     time.Duration `config:"idle.timeout"`
	Workers         int           `config:"workers"`
	WheelSlots      int           `config:"wheel.slots"`
	WheelTick       time.Duration `config:"wheel.tick"`
	MaxRequestBytes int           `config:"max.request.bytes"`
	FileCacheSize   int           `config:"file.cache.size"`
	AccessLog       bool          `config:"access.log"`
	GCPercent       int           `config:"gc.percent"`
	Env             string        `config:"env"`

	// SaveConfig names a file to write the effective configuration to;
	// New writes it and exits
	SaveConfig string `config:"-"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Port:            core.DefaultPort,
		DocumentRoot:    "./www",
		IdleTimeout:     core.DefaultIdleTimeout,
		WheelSlots:      core.DefaultWheelSlots,
		WheelTick:       core.DefaultWheelTick,
		MaxRequestBytes: core.DefaultMaxRequestBytes,
		FileCacheSize:   1000,
		GCPercent:       200,
		Env:             "development",
	}
}

// New loads configuration from the process flags and environment. It exits
// on invalid input, like flag.Parse.
func New() *Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if cfg.SaveConfig != "" {
		if err := cfg.Save(cfg.SaveConfig); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		log.Printf("configuration written to %s", cfg.SaveConfig)
		os.Exit(0)
	}
	return cfg
}

// Load builds a configuration from defaults, then an optional JSON file
// (-config), then PROACTOR_* environment variables, then args.
func Load(args []string) (*Config, error) {
	cfg := Default()

	var file string
	if _, err := parseFlags(cfg, &file, args); err != nil {
		return nil, err
	}

	cfg = Default()
	m := NewManager()
	if file != "" {
		if err := m.LoadFromJSON(file); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)
	if err := m.Unmarshal("", cfg); err != nil {
		return nil, err
	}
	unknown, err := m.UnknownKeys("", cfg)
	if err != nil {
		return nil, err
	}
	for _, key := range unknown {
		log.Printf("config: ignoring unknown key %q", key)
	}

	// explicit flags win over file and environment
	if _, err := parseFlags(cfg, &file, args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseFlags(cfg *Config, file *string, args []string) (*flag.FlagSet, error) {
	fs := flag.NewFlagSet("proactor", flag.ContinueOnError)

	fs.StringVar(file, "config", *file, "JSON configuration file")
	fs.StringVar(&cfg.SaveConfig, "save-config", cfg.SaveConfig, "Write the effective configuration as JSON to this file and exit")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DocumentRoot, "root", cfg.DocumentRoot, "Document root for static files")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Close connections idle this long (0 disables)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Completion workers (0 = max(2*NumCPU, 4))")
	fs.IntVar(&cfg.WheelSlots, "wheel-slots", cfg.WheelSlots, "Timer wheel slots")
	fs.DurationVar(&cfg.WheelTick, "wheel-tick", cfg.WheelTick, "Timer wheel tick")
	fs.IntVar(&cfg.MaxRequestBytes, "max-request-bytes", cfg.MaxRequestBytes, "Largest accepted request")
	fs.IntVar(&cfg.FileCacheSize, "file-cache", cfg.FileCacheSize, "Files kept in the in-memory cache")
	fs.BoolVar(&cfg.AccessLog, "access-log", cfg.AccessLog, "Log every request")
	fs.IntVar(&cfg.GCPercent, "gc-percent", cfg.GCPercent, "GOGC override (0 keeps the runtime default)")
	fs.StringVar(&cfg.Env, "env", cfg.Env, "Environment (development/production)")

	return fs, fs.Parse(args)
}

// Save writes the configuration as flat JSON that -config reads back
func (c *Config) Save(filename string) error {
	m := NewManager()
	if err := m.Marshal("", c); err != nil {
		return err
	}
	return m.SaveToJSON(filename)
}

// Validate checks ranges and that the idle timeout fits in the timer wheel
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", core.ErrInvalidPort, c.Port)
	}
	if c.DocumentRoot == "" {
		return errors.New("document root must not be empty")
	}
	if c.WheelSlots <= 0 || c.WheelTick <= 0 {
		return errors.New("timer wheel slots and tick must be positive")
	}
	if c.MaxRequestBytes <= 0 {
		return errors.New("max request bytes must be positive")
	}
	return c.ServerOptions().Validate()
}

// ServerOptions maps the configuration onto core.Options
func (c *Config) ServerOptions() core.Options {
	return core.Options{
		Workers:         c.Workers,
		IdleTimeout:     c.idleTimeout(),
		WheelSlots:      c.WheelSlots,
		WheelTick:       c.WheelTick,
		MaxRequestBytes: c.MaxRequestBytes,
	}
}

// core.Options reads 0 as "use the default"; a configured 0 means disabled
func (c *Config) idleTimeout() time.Duration {
	if c.IdleTimeout == 0 {
		return -1
	}
	return c.IdleTimeout
}

// IsProduction reports whether Env is "production"
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
