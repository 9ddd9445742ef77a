// Command store takes orders and orchestrates payment, delivery and compensation for each.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/imrishuroy/go-fulfillment-saga/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := service.Bootstrap(ctx, "store")
	if err != nil {
		log.Fatalf("failed to start store: %v", err)
	}

	if err := service.Run(ctx, d, service.Store(d)); err != nil {
		d.Log.Error("store stopped", "error", err)
		os.Exit(1)
	}
}
