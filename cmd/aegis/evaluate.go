package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ashureev/aegis/internal/domain"
	"github.com/ashureev/aegis/internal/session"
	"github.com/ashureev/aegis/internal/store"
	"github.com/spf13/cobra"
)

const cliOwner = "cli"

func evaluateCmd(logLevel *string) *cobra.Command {
	var jobPath, codePath string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Generate a challenge, submit code against it and print the evaluation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEvaluate(cmd.Context(), *logLevel, jobPath, codePath, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&jobPath, "job", "", "Job description file")
	cmd.Flags().StringVar(&codePath, "code", "", "Solution source file")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

type evaluateOutput struct {
	SessionID  string                   `json:"session_id"`
	Challenge  string                   `json:"challenge"`
	Execution  *domain.ExecutionResult  `json:"execution"`
	Evaluation *domain.EvaluationRecord `json:"evaluation"`
}

func runEvaluate(ctx context.Context, logLevel, jobPath, codePath string, out io.Writer) error {
	job, err := os.ReadFile(jobPath)
	if err != nil {
		return fmt.Errorf("read job description: %w", err)
	}
	code, err := os.ReadFile(codePath)
	if err != nil {
		return fmt.Errorf("read code: %w", err)
	}

	cfg, logger, err := loadConfig(logLevel, os.Stderr)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	machine, _, release, err := buildMachine(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer release()

	svc := session.NewService(store.NewMemory(), machine, session.WithServiceLogger(logger))
	sess, err := runPipeline(ctx, svc, string(job), string(code))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(evaluateOutput{
		SessionID:  sess.ID,
		Challenge:  sess.Challenge.Text,
		Execution:  sess.Execution,
		Evaluation: sess.Evaluation,
	})
}

// runPipeline drives one session from creation to results.
func runPipeline(ctx context.Context, svc *session.Service, job, code string) (*domain.Session, error) {
	sess, err := svc.Create(ctx, cliOwner)
	if err != nil {
		return nil, err
	}
	if _, err := svc.Generate(ctx, cliOwner, sess.ID, job); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	if _, err := svc.Start(ctx, cliOwner, sess.ID); err != nil {
		return nil, fmt.Errorf("start assessment: %w", err)
	}
	sess, err = svc.Submit(ctx, cliOwner, sess.ID, code)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	return sess, nil
}
