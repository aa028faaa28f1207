package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func modelsCmd(logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models available at the completion endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runModels(cmd.Context(), *logLevel, cmd.OutOrStdout())
		},
	}
}

func runModels(ctx context.Context, logLevel string, out io.Writer) error {
	cfg, logger, err := loadConfig(logLevel, os.Stderr)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	ids, err := newCompletionClient(cfg, logger).ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, id := range ids {
		if _, err := fmt.Fprintln(out, id); err != nil {
			return err
		}
	}
	return nil
}
