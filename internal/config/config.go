package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths     PathsConfig     `mapstructure:"paths"`
	Converter ConverterConfig `mapstructure:"converter"`
	Compare   CompareConfig   `mapstructure:"compare"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Run       RunConfig       `mapstructure:"run"`
	Report    ReportConfig    `mapstructure:"report"`
	LogLevel  string          `mapstructure:"log_level"`
}

type PathsConfig struct {
	// WorkDir is the parent of the per-scenario working directories.
	WorkDir string `mapstructure:"work_dir"`
	// ScenarioDir holds additional *.yaml scenario documents.
	ScenarioDir string `mapstructure:"scenario_dir"`
}

type ConverterConfig struct {
	// Tool is the converter executable, or "builtin" for the in-process converter.
	Tool string `mapstructure:"tool"`
	// Args are appended after the inputshape= argument.
	Args []string `mapstructure:"args"`
	// Target overrides the scenario target engine when non-empty.
	Target string `mapstructure:"target"`
	// Timeout bounds one converter invocation; zero waits indefinitely.
	Timeout time.Duration `mapstructure:"timeout"`
	FP16    bool          `mapstructure:"fp16"`
}

type CompareConfig struct {
	Atol float64 `mapstructure:"atol"`
	Rtol float64 `mapstructure:"rtol"`
}

type RuntimeConfig struct {
	// Workers is the goroutine count for tensor kernels.
	Workers        int    `mapstructure:"workers"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
}

type RunConfig struct {
	// Workers is the number of scenarios run concurrently.
	Workers int `mapstructure:"workers"`
	// Seed replaces every scenario seed when >= 0.
	Seed          int64 `mapstructure:"seed"`
	KeepArtifacts bool  `mapstructure:"keep_artifacts"`
}

type ReportConfig struct {
	Format string `mapstructure:"format"`
	// Ledger is a SQLite file recording run history; empty disables it.
	Ledger string `mapstructure:"ledger"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			WorkDir:     "work",
			ScenarioDir: "",
		},
		Converter: ConverterConfig{
			Tool:   "opparity-pnnx",
			Args:   nil,
			Target: "",
			FP16:   false,
		},
		Compare: CompareConfig{
			Atol: 1e-4,
			Rtol: 1e-4,
		},
		Runtime: RuntimeConfig{
			Workers:        1,
			ORTLibraryPath: "",
			ORTVersion:     "",
		},
		Run: RunConfig{
			Workers:       1,
			Seed:          -1,
			KeepArtifacts: true,
		},
		Report: ReportConfig{
			Format: FormatText,
			Ledger: "",
		},
		LogLevel: "info",
	}
}

// flagBindings maps config keys to the flag names registered by RegisterFlags.
var flagBindings = []struct {
	key  string
	flag string
}{
	{"paths.work_dir", "work-dir"},
	{"paths.scenario_dir", "scenario-dir"},
	{"converter.tool", "converter"},
	{"converter.args", "converter-arg"},
	{"converter.target", "target"},
	{"converter.timeout", "converter-timeout"},
	{"converter.fp16", "fp16"},
	{"compare.atol", "atol"},
	{"compare.rtol", "rtol"},
	{"runtime.workers", "runtime-workers"},
	{"runtime.ort_library_path", "ort-lib"},
	{"runtime.ort_version", "runtime-ort-version"},
	{"run.workers", "workers"},
	{"run.seed", "seed"},
	{"run.keep_artifacts", "keep-artifacts"},
	{"report.format", "format"},
	{"report.ledger", "ledger"},
	{"log_level", "log-level"},
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("work-dir", defaults.Paths.WorkDir, "Parent directory for per-scenario working directories")
	fs.String("scenario-dir", defaults.Paths.ScenarioDir, "Directory with additional scenario YAML files")
	fs.String("converter", defaults.Converter.Tool, "Converter executable, or \"builtin\" for the in-process converter")
	fs.StringSlice("converter-arg", defaults.Converter.Args, "Extra argument passed to the converter after inputshape= (repeatable)")
	fs.String("target", defaults.Converter.Target, "Override target engine (pnnx|ncnn|onnx)")
	fs.Duration("converter-timeout", defaults.Converter.Timeout, "Converter timeout (0 waits indefinitely)")
	fs.Bool("fp16", defaults.Converter.FP16, "Ask the converter to store ncnn weights as fp16")
	fs.Float64("atol", defaults.Compare.Atol, "Default absolute tolerance for continuous outputs")
	fs.Float64("rtol", defaults.Compare.Rtol, "Default relative tolerance for continuous outputs")
	fs.Int("runtime-workers", defaults.Runtime.Workers, "Goroutines used by tensor kernels")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.Int("workers", defaults.Run.Workers, "Scenarios run concurrently")
	fs.Int64("seed", defaults.Run.Seed, "Override every scenario seed (-1 keeps scenario seeds)")
	fs.Bool("keep-artifacts", defaults.Run.KeepArtifacts, "Keep per-scenario working directories after the run")
	fs.String("format", defaults.Report.Format, "Report format (text|json)")
	fs.String("ledger", defaults.Report.Ledger, "SQLite file recording run history (empty disables)")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("OPPARITY")
	replacer := strings.NewReplacer("-", "_", ".", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "OPPARITY_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("opparity")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate normalizes enumerated fields in place and rejects values no
// command can run with.
func (c *Config) Validate() error {
	target, err := NormalizeTarget(c.Converter.Target)
	if err != nil {
		return err
	}
	c.Converter.Target = target

	format, err := NormalizeFormat(c.Report.Format)
	if err != nil {
		return err
	}
	c.Report.Format = format

	if c.Compare.Atol < 0 || c.Compare.Rtol < 0 {
		return fmt.Errorf("tolerances must be >= 0 (atol=%g rtol=%g)", c.Compare.Atol, c.Compare.Rtol)
	}

	if c.Run.Workers < 1 {
		c.Run.Workers = 1
	}

	if c.Converter.Timeout < 0 {
		return fmt.Errorf("converter timeout must be >= 0, got %s", c.Converter.Timeout)
	}

	return nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, b := range flagBindings {
		f := fs.Lookup(b.flag)
		if f == nil {
			continue
		}

		if err := v.BindPFlag(b.key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", b.flag, err)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.work_dir", c.Paths.WorkDir)
	v.SetDefault("paths.scenario_dir", c.Paths.ScenarioDir)
	v.SetDefault("converter.tool", c.Converter.Tool)
	v.SetDefault("converter.args", c.Converter.Args)
	v.SetDefault("converter.target", c.Converter.Target)
	v.SetDefault("converter.timeout", c.Converter.Timeout)
	v.SetDefault("converter.fp16", c.Converter.FP16)
	v.SetDefault("compare.atol", c.Compare.Atol)
	v.SetDefault("compare.rtol", c.Compare.Rtol)
	v.SetDefault("runtime.workers", c.Runtime.Workers)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("run.workers", c.Run.Workers)
	v.SetDefault("run.seed", c.Run.Seed)
	v.SetDefault("run.keep_artifacts", c.Run.KeepArtifacts)
	v.SetDefault("report.format", c.Report.Format)
	v.SetDefault("report.ledger", c.Report.Ledger)
	v.SetDefault("log_level", c.LogLevel)
}
