// Command bank serves accounts and settles the saga's payments and refunds.
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

	d, err := service.Bootstrap(ctx, "bank")
	if err != nil {
		log.Fatalf("failed to start bank: %v", err)
	}

	if err := service.Run(ctx, d, service.Bank(d)); err != nil {
		d.Log.Error("bank stopped", "error", err)
		os.Exit(1)
	}
}
