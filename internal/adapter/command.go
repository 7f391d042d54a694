package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"media-jobs-service/internal/entity"
)

// CommandConfig describes a model program run as a local process.
type CommandConfig struct {
	Argv []string
	// ModelsDir, when set, must exist for the adapter to report ready.
	ModelsDir  string
	Preprocess bool
}

// Command runs the model program with os/exec. Cancelling ctx kills it.
type Command struct {
	spec     KindSpec
	cfg      CommandConfig
	log      logrus.FieldLogger
	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
}

func NewCommand(spec KindSpec, cfg CommandConfig, log logrus.FieldLogger) *Command {
	return &Command{
		spec:     spec,
		cfg:      cfg,
		log:      log.WithField("adapter", "command").WithField("kind", spec.Kind),
		lookPath: exec.LookPath,
		stat:     os.Stat,
	}
}

func (c *Command) Ready(context.Context) error {
	if len(c.cfg.Argv) == 0 {
		return fmt.Errorf("%w: no command for %s", ErrNotConfigured, c.spec.Kind)
	}
	if _, err := c.lookPath(c.cfg.Argv[0]); err != nil {
		return fmt.Errorf("model program %q not found: %w", c.cfg.Argv[0], err)
	}
	if c.cfg.ModelsDir != "" {
		if _, err := c.stat(c.cfg.ModelsDir); err != nil {
			return fmt.Errorf("models directory not found: %s", c.cfg.ModelsDir)
		}
	}
	return nil
}

func (c *Command) ValidateInputs(_ context.Context, inputs map[string]string) error {
	return c.spec.ValidateInputs(inputs)
}

func (c *Command) Preprocess(ctx context.Context, req Request) error {
	if !c.cfg.Preprocess {
		return nil
	}
	return c.exec(ctx, req, StagePreprocess, nil)
}

func (c *Command) Run(ctx context.Context, req Request, onProgress ProgressFunc) (string, error) {
	if err := c.exec(ctx, req, StageInfer, onProgress); err != nil {
		return "", err
	}
	if _, err := c.stat(req.OutputPath); err != nil {
		return "", entity.NewError(entity.CodeInference, "output file not created", err)
	}
	return req.OutputPath, nil
}

func (c *Command) exec(ctx context.Context, req Request, stage string, onProgress ProgressFunc) error {
	if len(c.cfg.Argv) == 0 {
		return entity.NewError(entity.CodeAdapterNotReady, "model not loaded", ErrNotConfigured)
	}

	args := append(append([]string{}, c.cfg.Argv[1:]...), programArgs(req, stage, nil)...)
	cmd := exec.CommandContext(ctx, c.cfg.Argv[0], args...)
	cmd.Dir = req.WorkDir
	cmd.WaitDelay = 5 * time.Second

	out := newOutputs(onProgress)
	cmd.Stdout = out.stdout
	cmd.Stderr = out.stderr

	start := time.Now()
	err := cmd.Run()
	out.flush()

	log := c.log.WithFields(logrus.Fields{
		"job_id":      req.JobID.String(),
		"stage":       stage,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if ctx.Err() != nil {
		log.Warn("model program interrupted")
		return ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.WithField("exit_code", exitErr.ExitCode()).
				WithField("stderr", out.errs.String()).
				Warn("model program failed")
			return exitError(exitErr.ExitCode(), out.errs.last())
		}
		return entity.NewError(entity.CodeInference, "model process failed", err)
	}

	log.Debug("model program finished")
	return nil
}

// SplitCommand turns "python3 -m musetalk.run" into argv.
func SplitCommand(s string) []string {
	return strings.Fields(s)
}
