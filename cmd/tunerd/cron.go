package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tunerd/internal/task/scheduler"
	logx "tunerd/pkg/logx"
)

var (
	flagCronCount int
	flagCronTZ    string
)

func init() {
	cronCmd.Flags().IntVarP(&flagCronCount, "count", "n", 5, "number of fire times to print")
	cronCmd.Flags().StringVar(&flagCronTZ, "tz", "", "IANA time zone (default local)")
}

var cronCmd = &cobra.Command{
	Use:     "cron <expr>",
	Short:   "validate a five-field cron expression and print its next fire times",
	Example: `  tunerd cron "*/15 4-6 * * 1-5"`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		expr, err := scheduler.Parse(args[0])
		if err != nil {
			return err
		}
		loc := scheduler.LoadLocation(flagCronTZ, logx.NewConsole(flagLogLevel))
		at := time.Now().In(loc)
		w := cmd.OutOrStdout()
		for i := 0; i < flagCronCount; i++ {
			at = expr.Next(at)
			if at.IsZero() {
				fmt.Fprintln(w, "no further matches")
				break
			}
			fmt.Fprintln(w, at.Format("2006-01-02 15:04 Mon MST"))
		}
		return nil
	},
}
