// Command delivery runs the delivery company: it accepts delivery requests and reports their progress.
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

	d, err := service.Bootstrap(ctx, "delivery")
	if err != nil {
		log.Fatalf("failed to start delivery: %v", err)
	}

	if err := service.Run(ctx, d, service.Delivery(d)); err != nil {
		d.Log.Error("delivery stopped", "error", err)
		os.Exit(1)
	}
}
