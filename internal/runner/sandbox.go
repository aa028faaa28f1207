package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/aegis/internal/container"
	"github.com/ashureev/aegis/internal/domain"
)

// ScriptRunner is the part of container.Manager a SandboxRunner needs.
type ScriptRunner interface {
	RunScript(ctx context.Context, spec container.ScriptSpec) (container.ScriptResult, error)
}

// SandboxConfig configures a SandboxRunner.
type SandboxConfig struct {
	Command   []string
	Timeout   time.Duration
	MaxOutput int
}

// SandboxRunner runs each submission in a fresh, network-less container.
type SandboxRunner struct {
	scripts ScriptRunner
	cfg     SandboxConfig
	logger  *slog.Logger
}

// NewSandboxRunner creates a SandboxRunner.
func NewSandboxRunner(scripts ScriptRunner, cfg SandboxConfig, logger *slog.Logger) *SandboxRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"python3", "-"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = defaultMaxOutput
	}
	return &SandboxRunner{scripts: scripts, cfg: cfg, logger: logger}
}

// Execute runs code in a sandbox container and captures its standard output.
func (r *SandboxRunner) Execute(ctx context.Context, code string) domain.ExecutionResult {
	return guard(r.logger, func() domain.ExecutionResult {
		return r.run(ctx, code)
	})
}

func (r *SandboxRunner) run(ctx context.Context, code string) domain.ExecutionResult {
	if r.scripts == nil {
		return domain.Faulted("sandbox unavailable")
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	stdout := newTailBuffer(r.cfg.MaxOutput)
	stderr := newTailBuffer(stderrKeep)

	start := time.Now()
	res, err := r.scripts.RunScript(ctx, container.ScriptSpec{
		Command: r.cfg.Command,
		Code:    code,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	duration := time.Since(start)

	if err != nil {
		if fault := contextFault(ctx, r.cfg.Timeout); fault != "" {
			return domain.Faulted(fault)
		}
		r.logger.Error("Sandbox execution failed", "error", err, "duration_ms", duration.Milliseconds())
		return domain.Faulted("sandbox failure: " + err.Error())
	}

	if res.TimedOut {
		r.logger.Info("Sandbox execution timed out", "timeout", r.cfg.Timeout)
		return domain.Faulted(timeoutFault(r.cfg.Timeout))
	}

	r.logger.Debug("Sandbox execution finished",
		"exit_code", res.ExitCode,
		"duration_ms", duration.Milliseconds(),
		"truncated", stdout.Truncated())

	if res.ExitCode != 0 {
		return domain.Faulted(faultDescription(stderr.String(), exitStatus(res.ExitCode)))
	}
	return domain.Succeeded(stdout.String())
}
