package main

import (
	"context"

	"github.com/Blackdeer1524/RelDB/cmd/reldb/app"
)

func main() {
	app.MustExecute(context.Background())
}
