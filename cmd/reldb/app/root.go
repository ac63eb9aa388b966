package app

import (
	"context"

	"github.com/Blackdeer1524/RelDB/src/cli"
)

var rootCmd = cli.Init("reldb")

func MustExecute(ctx context.Context) {
	initOpen()
	initCheckpoint()
	initWAL()
	rootCmd.MustExecute(ctx)
}
