package main

import (
	"context"
	"log"
	"os"

	"github.com/linux-tks/tks/internal/buildinfo"
	"github.com/linux-tks/tks/internal/daemon"
	"github.com/linux-tks/tks/internal/daemon/config"
)

func main() {

	buildinfo.PrintBuildData(os.Stderr)

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := daemon.NewApp(cfg)

	if err != nil {
		log.Fatalf("%v", err)
		return
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
	}
}
