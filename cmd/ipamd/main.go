package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hexa-net/ipamd/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := app.Run(ctx, cfg); err != nil {
		log.Fatalf("ipamd exited: %v", err)
	}
}
