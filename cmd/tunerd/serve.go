package main

import (
	"github.com/spf13/cobra"

	"tunerd/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the job engine with the configured jobs until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := app.NewApp(flagConfigPath)
		if err != nil {
			return configError(err)
		}
		return a.Run(cmd.Context())
	},
}
