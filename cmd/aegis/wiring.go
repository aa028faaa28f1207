package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/aegis/internal/completion"
	"github.com/ashureev/aegis/internal/config"
	"github.com/ashureev/aegis/internal/container"
	"github.com/ashureev/aegis/internal/evaluation"
	"github.com/ashureev/aegis/internal/metrics"
	"github.com/ashureev/aegis/internal/runner"
	"github.com/ashureev/aegis/internal/session"
)

const reaperInterval = time.Minute

func newCompletionClient(cfg *config.Config, logger *slog.Logger) *completion.Client {
	return completion.NewClient(completion.Config{
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		Timeout:   cfg.LLM.Timeout,
		MaxTokens: cfg.LLM.MaxTokens,
	}, completion.WithLogger(logger))
}

func loadRoles(cfg *config.Config) (completion.Roles, error) {
	if cfg.RolesFile == "" {
		return completion.DefaultRoles(), nil
	}
	roles, err := completion.LoadRoles(cfg.RolesFile)
	if err != nil {
		return completion.Roles{}, fmt.Errorf("load roles: %w", err)
	}
	return roles, nil
}

// buildRunner returns the configured code runner and a release function.
func buildRunner(ctx context.Context, cfg *config.Config, logger *slog.Logger) (runner.Runner, func(), error) {
	if cfg.Runner.Mode != config.RunnerDocker {
		slog.Info("Process runner selected; submissions run without isolation",
			"interpreter", cfg.Runner.Interpreter)
		return runner.NewProcessRunner(runner.ProcessConfig{
			Interpreter: cfg.Runner.Interpreter,
			Timeout:     cfg.Runner.Timeout,
			MaxOutput:   cfg.Runner.MaxOutput,
		}, logger), func() {}, nil
	}

	mgr, err := container.NewDockerManager(container.Config{
		Image:   cfg.Runner.Image,
		Runtime: cfg.Runner.ContainerRuntime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initialize container manager: %w", err)
	}
	release := func() {
		if err := mgr.Client().Close(); err != nil {
			slog.Debug("Failed to close docker client", "error", err)
		}
	}
	if cfg.Runner.PullImage {
		if err := mgr.EnsureImage(ctx); err != nil {
			release()
			return nil, nil, err
		}
	}
	container.StartReaper(ctx, mgr, 2*cfg.Runner.Timeout+time.Minute, reaperInterval)

	return runner.NewSandboxRunner(mgr, runner.SandboxConfig{
		Command:   cfg.Runner.Interpreter,
		Timeout:   cfg.Runner.Timeout,
		MaxOutput: cfg.Runner.MaxOutput,
	}, logger), release, nil
}

// buildMachine wires the completion client, role agents, runner and
// parser into a session machine. m may be nil.
func buildMachine(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*session.Machine, *completion.Client, func(), error) {
	client := newCompletionClient(cfg, logger)
	roles, err := loadRoles(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	architect, helper, assessor := completion.Agents(client, roles,
		completion.WithObserver(m),
		completion.WithAgentLogger(logger))

	r, release, err := buildRunner(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	machine := session.NewMachine(
		session.Agents{Architect: architect, Helper: helper, Assessor: assessor},
		r,
		session.WithLogger(logger),
		session.WithRecorder(m),
		session.WithParser(evaluation.NewParser(logger, m)),
	)
	return machine, client, release, nil
}
