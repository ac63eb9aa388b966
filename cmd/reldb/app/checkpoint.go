package app

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/RelDB/src/app"
)

func initCheckpoint() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "checkpoint",
		Short: "Recovers the database if needed and takes a checkpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			lsn, err := app.Checkpoint(cmd.Context(), afero.NewOsFs(), rootCmd.Options.ConfigPath)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "checkpoint at lsn %d\n", lsn)
			return err
		},
	})
}
