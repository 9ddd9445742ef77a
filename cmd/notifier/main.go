// Command notifier sends the customer emails requested during delivery.
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

	d, err := service.Bootstrap(ctx, "notifier")
	if err != nil {
		log.Fatalf("failed to start notifier: %v", err)
	}

	if err := service.Run(ctx, d, service.Notifier(d)); err != nil {
		d.Log.Error("notifier stopped", "error", err)
		os.Exit(1)
	}
}
