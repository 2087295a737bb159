package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tunerd/internal/app"
	"tunerd/internal/task/engine"
)

var runCmd = &cobra.Command{
	Use:   "run <job-key>",
	Short: "run one configured job now, honoring its readiness check and retry policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(flagConfigPath)
		if err != nil {
			return configError(err)
		}
		f, err := a.RunOnce(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s %s attempt=%d took=%s\n", f.Spec.Key, outcomeLabel(f), f.AttemptCount, f.Duration().Round(time.Millisecond))
		if f.Err != nil {
			return fmt.Errorf("%s: %w", f.Spec.Key, f.Err)
		}
		return nil
	},
}

func outcomeLabel(f engine.FinishedJob) string {
	switch {
	case f.Skipped():
		return "skipped"
	case f.Aborted():
		return "aborted"
	case f.Failed:
		return "failed"
	default:
		return "ok"
	}
}

