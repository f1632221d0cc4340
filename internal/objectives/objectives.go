// Package objectives provides the objectives the bo command can minimize.
package objectives

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"slices"
	"strconv"
	"strings"

	"github.com/thalesfsp/bo"
	"go.uber.org/zap"
)

// Names of the built-in objectives.
const (
	SinExp  = "sinexp"
	Torsion = "torsion"
	Command = "command"
)

// Names lists the built-in objectives.
func Names() []string { return []string{SinExp, Torsion, Command} }

// New returns the objective called name for a dim-dimensional domain. args
// are only used by the command objective.
func New(name string, dim int, args []string, logger *zap.Logger) (bo.Objective, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch strings.ToLower(name) {
	case SinExp:
		if dim != 1 {
			return nil, &bo.ConfigurationError{
				Field:  "objective.name",
				Reason: fmt.Sprintf("sinexp is one-dimensional, bounds have %d dimensions", dim),
			}
		}

		return bo.ObjectiveFunc(func(_ context.Context, x []float64) (float64, error) {
			return SinExpValue(x[0]), nil
		}), nil

	case Torsion:
		return bo.ObjectiveFunc(func(_ context.Context, x []float64) (float64, error) {
			return TorsionValue(x), nil
		}), nil

	case Command:
		if len(args) == 0 {
			return nil, &bo.ConfigurationError{Field: "objective.command", Reason: "a program is required"}
		}

		return &CommandObjective{args: slices.Clone(args), logger: logger.Named("objective")}, nil
	}

	return nil, &bo.ConfigurationError{
		Field:  "objective.name",
		Reason: fmt.Sprintf("unknown objective %q, expected one of %s", name, strings.Join(Names(), ", ")),
	}
}

// SinExpValue is sin(x) + 1.5·exp(−(x − 4.3)²), a one-dimensional test
// function with a local and a global minimum in [0, 7].
func SinExpValue(x float64) float64 {
	return math.Sin(x) + 1.5*math.Exp(-(x-4.3)*(x-4.3))
}

// TorsionValue is a smooth periodic energy over angles in degrees, coupling
// neighbouring angles.
func TorsionValue(x []float64) float64 {
	var e float64

	for i, deg := range x {
		a := deg * math.Pi / 180
		e += 1 + math.Cos(a) + 0.5*math.Cos(2*a)

		if i+1 < len(x) {
			e += 0.3 * math.Sin(a+x[i+1]*math.Pi/180)
		}
	}

	return e
}

// CommandObjective runs a program per evaluation with the coordinates
// appended as arguments. The last field of the last non-empty stdout line is
// the objective value.
type CommandObjective struct {
	args   []string
	logger *zap.Logger
}

// Evaluate implements bo.Objective.
func (c *CommandObjective) Evaluate(ctx context.Context, x []float64) (float64, error) {
	args := slices.Clone(c.args[1:])
	for _, v := range x {
		args = append(args, strconv.FormatFloat(v, 'g', -1, 64))
	}

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, c.args[0], args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return 0, fmt.Errorf("%s exited with %d: %s", c.args[0], exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}

		return 0, fmt.Errorf("running %s: %w", c.args[0], err)
	}

	y, err := parseValue(stdout.String())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", c.args[0], err)
	}

	c.logger.Debug("command evaluated", zap.Float64s("x", x), zap.Float64("y", y))

	return y, nil
}

func parseValue(out string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")

	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) == 0 {
		return 0, errors.New("no output")
	}

	y, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("parsing objective value: %w", err)
	}

	return y, nil
}
