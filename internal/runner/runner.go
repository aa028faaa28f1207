// Package runner executes candidate-submitted code and normalizes the
// outcome into a domain.ExecutionResult.
//
// Runners never return errors and never panic: every fault, including a
// failure to start the interpreter, is reported as an error-status result.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/aegis/internal/domain"
)

// Runner executes a string of source code.
type Runner interface {
	Execute(ctx context.Context, code string) domain.ExecutionResult
}

// Mode selects a Runner implementation.
type Mode string

const (
	ModeProcess Mode = "process"
	ModeDocker  Mode = "docker"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultMaxOutput = 64 * 1024
	stderrKeep       = 8 * 1024
)

// guard converts a panic inside fn into an error-status result.
func guard(logger *slog.Logger, fn func() domain.ExecutionResult) (res domain.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Runner panicked", "panic", r)
			res = domain.Faulted(fmt.Sprintf("runner failure: %v", r))
		}
	}()
	return fn()
}

// faultDescription picks the most useful line of a failed run's stderr.
// Interpreters print the exception summary last (e.g. "ValueError: bad").
// fallback describes the exit ("exit status 4", "signal: killed") when
// stderr is empty.
func faultDescription(stderr, fallback string) string {
	lines := strings.Split(stderr, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return fallback
}

func exitStatus(code int64) string {
	return fmt.Sprintf("exit status %d", code)
}

// contextFault describes a run stopped by its context, or returns "".
func contextFault(ctx context.Context, timeout time.Duration) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return timeoutFault(timeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return "execution canceled"
	}
	return ""
}

func timeoutFault(timeout time.Duration) string {
	return fmt.Sprintf("execution timed out after %s", timeout)
}
