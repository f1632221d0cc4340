package cli

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/thalesfsp/bo"
	"github.com/thalesfsp/bo/internal/config"
	"github.com/thalesfsp/bo/internal/export"
	"github.com/thalesfsp/bo/internal/logger"
	"github.com/thalesfsp/bo/internal/metrics"
	"github.com/thalesfsp/bo/internal/objectives"
	"go.uber.org/zap"
)

// progressBuffer bounds how far the metrics consumer may lag the driver
// before updates are dropped.
const progressBuffer = 64

// flagKeys maps run flags to run file keys.
var flagKeys = map[string]string{
	"objective":    "objective.name",
	"out":          "output.path",
	"format":       "output.format",
	"metrics-file": "output.metrics_file",
	"timeout":      "timeout",
	"seed":         "seed",
	"iterpts":      "iterpts",
}

func newRunCmd() *cobra.Command {
	var configPath string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Minimize an objective over the bounds of a run file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := config.New()

			// Flags override the run file and the environment.
			for flag, key := range flagKeys {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}

			if err := config.Read(v, configPath); err != nil {
				return err
			}

			return run(cmd, v)
		},
	}

	flags := runCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "run file (YAML)")
	flags.String("objective", objectives.SinExp, "objective: sinexp, torsion or command")
	flags.StringP("out", "o", "", "result file (default stdout)")
	flags.String("format", string(export.JSON), "result format: json or yaml")
	flags.String("metrics-file", "", "write Prometheus metrics to this file")
	flags.String("timeout", "", "wall-clock limit, e.g. 10m")
	flags.Uint64("seed", 0, "random seed, zero seeds from the clock")
	flags.Int("iterpts", bo.DefaultConfig().IterPoints, "refining iterations")

	return runCmd
}

func run(cmd *cobra.Command, v *viper.Viper) error {
	rf, err := config.FromViper(v)
	if err != nil {
		return err
	}

	boConfig, err := rf.Config()
	if err != nil {
		return err
	}

	timeout, err := rf.TimeoutDuration()
	if err != nil {
		return err
	}

	format, err := export.ParseFormat(rf.Output.Format)
	if err != nil {
		return err
	}

	log := logger.InitializeStderr(rf.Logger)
	defer logger.Sync()

	objective, err := objectives.New(rf.Objective.Name, boConfig.Bounds.Dim(), rf.Objective.Command, log)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	m := metrics.New()
	progress := make(chan bo.ProgressUpdate, progressBuffer)

	boConfig.Logger = log
	boConfig.ProgressChan = progress

	var wg conc.WaitGroup
	wg.Go(func() { m.Consume(context.Background(), progress) })

	result, runErr := bo.Minimize(ctx, boConfig, objective)

	close(progress)
	wg.Wait()

	// Partial results are written too.
	if result != nil {
		m.Finish(result)

		if err := writeResult(cmd, rf.Output.Path, result, format); err != nil {
			return err
		}

		if rf.Output.MetricsFile != "" {
			if err := m.WriteFile(rf.Output.MetricsFile); err != nil {
				return fmt.Errorf("writing metrics: %w", err)
			}
		}

		fields := []zap.Field{
			zap.String("run_id", result.RunID()),
			zap.String("termination", string(result.Termination())),
			zap.Int("evaluations", result.Len()),
			zap.Duration("duration", result.Duration()),
		}

		if best, ok := result.Best(); ok {
			fields = append(fields, zap.Float64s("best_x", best.X), zap.Float64("best_y", best.Y))
		}

		log.Info("Run finished", fields...)
	}

	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}

	return nil
}

func writeResult(cmd *cobra.Command, path string, result *bo.Result, format export.Format) error {
	if path == "" {
		return export.Write(cmd.OutOrStdout(), result, format)
	}

	return export.WriteFile(path, result, format)
}
