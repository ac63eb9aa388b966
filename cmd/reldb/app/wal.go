package app

import (
	"fmt"
	"io"

	"github.com/go-faster/jx"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/RelDB/src/app"
	"github.com/Blackdeer1524/RelDB/src/recovery"
)

func initWAL() {
	walCmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspects the write-ahead log",
	}

	var asJSON bool

	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Prints every durable log record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			wal, err := app.OpenLog(afero.NewOsFs(), rootCmd.Options.ConfigPath)
			if err != nil {
				return err
			}
			defer wal.Close()

			if !asJSON {
				return wal.Dump(cmd.OutOrStdout())
			}
			return dumpJSON(cmd.OutOrStdout(), wal)
		},
	}
	dumpCmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per record")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Checks the checksum of every log record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			wal, err := app.OpenLog(afero.NewOsFs(), rootCmd.Options.ConfigPath)
			if err != nil {
				return err
			}
			defer wal.Close()

			if err := wal.VerifyLogIntegrity(); err != nil {
				return err
			}

			stats := wal.Stats()
			_, err = fmt.Fprintf(
				cmd.OutOrStdout(),
				"log %s is intact: %d records, %d bytes\n",
				wal.LogID(),
				stats.TotalRecords,
				stats.SizeBytes,
			)
			return err
		},
	}

	walCmd.AddCommand(dumpCmd, verifyCmd)
	rootCmd.AddCommand(walCmd)
}

func dumpJSON(w io.Writer, wal *recovery.Manager) error {
	var e jx.Encoder
	return wal.Records(func(rec recovery.LogRecord) error {
		e.Reset()
		rec.EncodeJSON(&e)

		_, err := w.Write(append(e.Bytes(), '\n'))
		return err
	})
}
