package app

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/RelDB/src/app"
)

func initOpen() {
	var entrypoint app.EngineEntrypoint

	cmd := &cobra.Command{
		Use:   "open",
		Short: "Opens and recovers the database, then keeps it open until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			entrypoint.ConfigPath = rootCmd.Options.ConfigPath
			entrypoint.Fs = afero.NewOsFs()
			return app.Run(cmd.Context(), &entrypoint)
		},
	}

	cmd.Flags().DurationVar(
		&entrypoint.StatsInterval,
		"stats-interval",
		0,
		"How often to log engine statistics, 0 to disable",
	)

	rootCmd.AddCommand(cmd)
}
