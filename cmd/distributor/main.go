package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/app"
)

func main() {
	// FEEDCHECK_CONFIG and credentials may come from a .env file.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	a := app.NewDistributor("")
	if err := a.Run(ctx); err != nil {
		log.Fatalln("distributor:", err)
	}
}
