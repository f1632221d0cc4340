// Package config loads bo run files. A run file is YAML; every key can be
// overridden from the environment with the BO_ prefix, dots replaced by
// underscores (BO_ACQUISITION_KAPPA=3).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/thalesfsp/bo"
	"github.com/thalesfsp/bo/internal/logger"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "BO"

// RunFile is the on-disk shape of a run. Pairs such as bounds and yrange are
// written as two-element lists.
type RunFile struct {
	Bounds      [][]float64      `mapstructure:"bounds" yaml:"bounds"`
	Kernel      []string         `mapstructure:"kernel" yaml:"kernel"`
	Periods     []float64        `mapstructure:"periods" yaml:"periods,omitempty"`
	YRange      []float64        `mapstructure:"yrange" yaml:"yrange"`
	InitPoints  int              `mapstructure:"initpts" yaml:"initpts"`
	IterPoints  int              `mapstructure:"iterpts" yaml:"iterpts"`
	Noise       float64          `mapstructure:"noise" yaml:"noise"`
	FitNoise    bool             `mapstructure:"fit_noise" yaml:"fit_noise"`
	InitType    string           `mapstructure:"inittype" yaml:"inittype"`
	Seed        uint64           `mapstructure:"seed" yaml:"seed"`
	InitialData []bo.Observation `mapstructure:"initial_data" yaml:"initial_data,omitempty"`

	Acquisition     AcquisitionSection     `mapstructure:"acquisition" yaml:"acquisition"`
	Hyperparameters HyperparameterSection  `mapstructure:"hyperparameters" yaml:"hyperparameters"`
	Search          SearchSection          `mapstructure:"search" yaml:"search"`
	Convergence     ConvergenceSection     `mapstructure:"convergence" yaml:"convergence"`
	Jitter          JitterSection          `mapstructure:"jitter" yaml:"jitter"`
	Objective       ObjectiveSection       `mapstructure:"objective" yaml:"objective"`
	Output          OutputSection          `mapstructure:"output" yaml:"output"`
	Logger          logger.Config          `mapstructure:"logger" yaml:"logger"`
	Timeout         string                 `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// AcquisitionSection selects the acquisition function.
type AcquisitionSection struct {
	Function string  `mapstructure:"function" yaml:"function"`
	Kappa    float64 `mapstructure:"kappa" yaml:"kappa"`
	Xi       float64 `mapstructure:"xi" yaml:"xi"`
}

// HyperparameterSection configures hyperparameter learning.
type HyperparameterSection struct {
	Restarts          int           `mapstructure:"restarts" yaml:"restarts"`
	Workers           int           `mapstructure:"workers" yaml:"workers,omitempty"`
	MaxIterations     int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	UpdateFrequency   int           `mapstructure:"update_frequency" yaml:"update_frequency"`
	InitialUpdate     bool          `mapstructure:"initial_update" yaml:"initial_update"`
	Priors            bool          `mapstructure:"priors" yaml:"priors"`
	Initial           *InitialTheta `mapstructure:"initial" yaml:"initial,omitempty"`
	VarianceBounds    []float64     `mapstructure:"variance_bounds" yaml:"variance_bounds,omitempty"`
	LengthscaleBounds [][]float64   `mapstructure:"lengthscale_bounds" yaml:"lengthscale_bounds,omitempty"`
	NoiseBounds       []float64     `mapstructure:"noise_bounds" yaml:"noise_bounds,omitempty"`
}

// InitialTheta overrides the yrange-derived starting hyperparameters.
type InitialTheta struct {
	Variance     float64   `mapstructure:"variance" yaml:"variance"`
	Lengthscales []float64 `mapstructure:"lengthscales" yaml:"lengthscales"`
	Noise        float64   `mapstructure:"noise" yaml:"noise,omitempty"`
}

// SearchSection configures acquisition minimization.
type SearchSection struct {
	Candidates     int     `mapstructure:"candidates" yaml:"candidates"`
	Starts         int     `mapstructure:"starts" yaml:"starts"`
	MaxEvaluations int     `mapstructure:"max_evaluations" yaml:"max_evaluations"`
	TieTolerance   float64 `mapstructure:"tie_tolerance" yaml:"tie_tolerance"`
	Workers        int     `mapstructure:"workers" yaml:"workers,omitempty"`
}

// ConvergenceSection enables early stopping when tolerance > 0.
type ConvergenceSection struct {
	Tolerance float64 `mapstructure:"tolerance" yaml:"tolerance"`
	Patience  int     `mapstructure:"patience" yaml:"patience"`
}

// JitterSection tunes the Cholesky retry policy.
type JitterSection struct {
	Initial     float64 `mapstructure:"initial" yaml:"initial"`
	Factor      float64 `mapstructure:"factor" yaml:"factor"`
	MaxAttempts int     `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// ObjectiveSection names the objective to minimize. Command is only used by
// the "command" objective: the coordinates are appended as arguments.
type ObjectiveSection struct {
	Name    string   `mapstructure:"name" yaml:"name"`
	Command []string `mapstructure:"command" yaml:"command,omitempty"`
}

// OutputSection controls where the result goes.
type OutputSection struct {
	Path        string `mapstructure:"path" yaml:"path,omitempty"`
	Format      string `mapstructure:"format" yaml:"format"`
	MetricsFile string `mapstructure:"metrics_file" yaml:"metrics_file,omitempty"`
}

//////
// Factory.
//////

// SetDefaults registers every key with its default. Keys must be known to
// viper for environment overrides to apply.
func SetDefaults(v *viper.Viper) {
	def := bo.DefaultConfig()
	log := logger.DefaultConfig()

	v.SetDefault("bounds", [][]float64{})
	v.SetDefault("kernel", []string{string(bo.RBF)})
	v.SetDefault("periods", []float64{})
	v.SetDefault("yrange", []float64{def.YRange.Lower, def.YRange.Upper})
	v.SetDefault("initpts", def.InitPoints)
	v.SetDefault("iterpts", def.IterPoints)
	v.SetDefault("noise", def.Noise)
	v.SetDefault("fit_noise", def.FitNoise)
	v.SetDefault("inittype", string(def.InitType))
	v.SetDefault("seed", 0)

	v.SetDefault("acquisition.function", string(def.Acquisition.Function))
	v.SetDefault("acquisition.kappa", def.Acquisition.Kappa)
	v.SetDefault("acquisition.xi", def.Acquisition.Xi)

	v.SetDefault("hyperparameters.restarts", def.Hyperparameters.Restarts)
	v.SetDefault("hyperparameters.workers", def.Hyperparameters.Workers)
	v.SetDefault("hyperparameters.max_iterations", def.Hyperparameters.MaxIterations)
	v.SetDefault("hyperparameters.update_frequency", def.Hyperparameters.UpdateFrequency)
	v.SetDefault("hyperparameters.initial_update", def.Hyperparameters.InitialUpdate)
	v.SetDefault("hyperparameters.priors", def.Hyperparameters.Priors)

	v.SetDefault("search.candidates", def.Search.Candidates)
	v.SetDefault("search.starts", def.Search.Starts)
	v.SetDefault("search.max_evaluations", def.Search.MaxEvaluations)
	v.SetDefault("search.tie_tolerance", def.Search.TieTolerance)
	v.SetDefault("search.workers", def.Search.Workers)

	v.SetDefault("convergence.tolerance", def.Convergence.Tolerance)
	v.SetDefault("convergence.patience", def.Convergence.Patience)

	v.SetDefault("jitter.initial", def.Jitter.Initial)
	v.SetDefault("jitter.factor", def.Jitter.Factor)
	v.SetDefault("jitter.max_attempts", def.Jitter.MaxAttempts)

	v.SetDefault("objective.name", "sinexp")
	v.SetDefault("objective.command", []string{})

	v.SetDefault("output.path", "")
	v.SetDefault("output.format", "json")
	v.SetDefault("output.metrics_file", "")

	v.SetDefault("logger.level", log.Level)
	v.SetDefault("logger.format", log.Format)
	v.SetDefault("logger.file", log.File)
	v.SetDefault("logger.max_size", log.MaxSize)
	v.SetDefault("logger.max_backups", log.MaxBackups)
	v.SetDefault("logger.max_age", log.MaxAge)
	v.SetDefault("logger.compress", log.Compress)
	v.SetDefault("logger.service_name", log.ServiceName)

	v.SetDefault("timeout", "")
}

// New returns a viper instance with defaults and environment overrides bound.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the run file at path. An empty path loads defaults and the
// environment only.
func Load(path string) (*RunFile, error) {
	v := New()

	if err := Read(v, path); err != nil {
		return nil, err
	}

	return FromViper(v)
}

// Read merges the run file at path into v. An empty path is a no-op.
func Read(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}

	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading run file %q: %w", path, err)
	}

	return nil
}

// FromViper decodes a run file from v.
func FromViper(v *viper.Viper) (*RunFile, error) {
	var rf RunFile
	if err := v.Unmarshal(&rf); err != nil {
		return nil, fmt.Errorf("error unmarshaling run file: %w", err)
	}

	return &rf, nil
}

//////
// Methods.
//////

// Config converts the run file into a validated bo.Config.
func (rf *RunFile) Config() (bo.Config, error) {
	config := bo.DefaultConfig()

	bounds := make(bo.Domain, len(rf.Bounds))
	for i, pair := range rf.Bounds {
		b, err := toBound(fmt.Sprintf("bounds[%d]", i), pair)
		if err != nil {
			return bo.Config{}, err
		}

		bounds[i] = *b
	}

	config.Bounds = bounds

	config.Kernel = make([]bo.KernelKind, len(rf.Kernel))
	for i, k := range rf.Kernel {
		config.Kernel[i] = bo.KernelKind(strings.ToLower(strings.TrimSpace(k)))
	}

	if len(rf.Periods) > 0 {
		config.Periods = rf.Periods
	}

	yrange, err := toBound("yrange", rf.YRange)
	if err != nil {
		return bo.Config{}, err
	}

	config.YRange = *yrange
	config.InitPoints = rf.InitPoints
	config.IterPoints = rf.IterPoints
	config.Noise = rf.Noise
	config.FitNoise = rf.FitNoise
	config.InitType = bo.InitType(rf.InitType)
	config.Seed = rf.Seed
	config.InitialData = rf.InitialData

	config.Acquisition.Function = bo.AcquisitionKind(strings.ToLower(rf.Acquisition.Function))
	config.Acquisition.Kappa = rf.Acquisition.Kappa
	config.Acquisition.Xi = rf.Acquisition.Xi

	h := rf.Hyperparameters
	config.Hyperparameters = bo.HyperparameterConfig{
		Restarts:        h.Restarts,
		Workers:         h.Workers,
		MaxIterations:   h.MaxIterations,
		UpdateFrequency: h.UpdateFrequency,
		InitialUpdate:   h.InitialUpdate,
		Priors:          h.Priors,
	}

	if h.Initial != nil {
		config.Hyperparameters.Initial = &bo.Hyperparameters{
			Variance:     h.Initial.Variance,
			Lengthscales: h.Initial.Lengthscales,
			Noise:        h.Initial.Noise,
		}
	}

	if config.Hyperparameters.VarianceBounds, err = toOptionalBound("hyperparameters.variance_bounds", h.VarianceBounds); err != nil {
		return bo.Config{}, err
	}

	if config.Hyperparameters.NoiseBounds, err = toOptionalBound("hyperparameters.noise_bounds", h.NoiseBounds); err != nil {
		return bo.Config{}, err
	}

	for i, pair := range h.LengthscaleBounds {
		b, err := toBound(fmt.Sprintf("hyperparameters.lengthscale_bounds[%d]", i), pair)
		if err != nil {
			return bo.Config{}, err
		}

		config.Hyperparameters.LengthscaleBounds = append(config.Hyperparameters.LengthscaleBounds, *b)
	}

	config.Search = bo.SearchConfig(rf.Search)
	config.Convergence = bo.ConvergenceConfig(rf.Convergence)
	config.Jitter = bo.JitterPolicy(rf.Jitter)

	if err := config.Validate(); err != nil {
		return bo.Config{}, err
	}

	return config, nil
}

// TimeoutDuration parses Timeout. Empty means no timeout.
func (rf *RunFile) TimeoutDuration() (time.Duration, error) {
	if rf.Timeout == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(rf.Timeout)
	if err != nil {
		return 0, &bo.ConfigurationError{Field: "timeout", Reason: err.Error()}
	}

	if d < 0 {
		return 0, &bo.ConfigurationError{Field: "timeout", Reason: "must not be negative"}
	}

	return d, nil
}

func toBound(field string, pair []float64) (*bo.Bound, error) {
	if len(pair) != 2 {
		return nil, &bo.ConfigurationError{
			Field:  field,
			Reason: fmt.Sprintf("expected [lower, upper], got %d values", len(pair)),
		}
	}

	return &bo.Bound{Lower: pair[0], Upper: pair[1]}, nil
}

func toOptionalBound(field string, pair []float64) (*bo.Bound, error) {
	if len(pair) == 0 {
		return nil, nil
	}

	return toBound(field, pair)
}
