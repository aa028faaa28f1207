package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ashureev/aegis/internal/domain"
)

// ProcessConfig configures a ProcessRunner.
type ProcessConfig struct {
	// Interpreter is the full argv; the code is written to its stdin.
	Interpreter []string
	Timeout     time.Duration
	MaxOutput   int
	// Env is appended to the minimal child environment.
	Env []string
}

// Host variables passed through to the child. Everything else, including
// API keys, stays with the server.
var (
	inheritedEnv       = []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "SYSTEMROOT"}
	inheritedEnvPrefix = []string{"PYTHON", "PYENV_"}
)

// childEnv builds the child's environment from the allowlist plus extra.
func childEnv(extra []string) []string {
	env := []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"}
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if inherited(key) {
			env = append(env, kv)
		}
	}
	return append(env, extra...)
}

func inherited(key string) bool {
	for _, k := range inheritedEnv {
		if key == k {
			return true
		}
	}
	for _, p := range inheritedEnvPrefix {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// ProcessRunner runs code through a local interpreter process.
// It provides no isolation: the code can touch anything the server can.
type ProcessRunner struct {
	cfg    ProcessConfig
	logger *slog.Logger
}

// NewProcessRunner creates a ProcessRunner.
func NewProcessRunner(cfg ProcessConfig, logger *slog.Logger) *ProcessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = defaultMaxOutput
	}
	return &ProcessRunner{cfg: cfg, logger: logger}
}

// Execute runs code and captures its standard output.
func (r *ProcessRunner) Execute(ctx context.Context, code string) domain.ExecutionResult {
	return guard(r.logger, func() domain.ExecutionResult {
		return r.run(ctx, code)
	})
}

func (r *ProcessRunner) run(ctx context.Context, code string) domain.ExecutionResult {
	if len(r.cfg.Interpreter) == 0 {
		return domain.Faulted("no interpreter configured")
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	// Code goes through stdin: a single argv element is capped at 128 KiB.
	cmd := exec.CommandContext(ctx, r.cfg.Interpreter[0], r.cfg.Interpreter[1:]...)
	cmd.WaitDelay = 2 * time.Second
	cmd.Env = childEnv(r.cfg.Env)
	cmd.Stdin = strings.NewReader(code)

	stdout := newTailBuffer(r.cfg.MaxOutput)
	stderr := newTailBuffer(stderrKeep)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err == nil {
		r.logger.Debug("Process execution finished",
			"duration_ms", duration.Milliseconds(),
			"output_bytes", len(stdout.String()),
			"truncated", stdout.Truncated())
		return domain.Succeeded(stdout.String())
	}

	if fault := contextFault(ctx, r.cfg.Timeout); fault != "" {
		r.logger.Info("Process execution stopped", "reason", fault)
		return domain.Faulted(fault)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		r.logger.Debug("Process execution faulted",
			"exit_code", exitErr.ExitCode(),
			"duration_ms", duration.Milliseconds())
		return domain.Faulted(faultDescription(stderr.String(), exitErr.String()))
	}

	r.logger.Warn("Process execution could not start", "error", err)
	return domain.Faulted(err.Error())
}
