package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-fulfillment-saga/internal/aws"
	"github.com/imrishuroy/go-fulfillment-saga/internal/config"
	"github.com/imrishuroy/go-fulfillment-saga/internal/contracts"
	"github.com/imrishuroy/go-fulfillment-saga/internal/logger"
	"github.com/imrishuroy/go-fulfillment-saga/internal/transport"
)

func topologyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Inspect or declare the message topology",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print exchanges, routing keys and queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "EXCHANGE\tROUTING KEY\tQUEUE")
			for _, b := range contracts.Topology() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", b.Exchange, b.RoutingKey, b.Queue)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "declare",
		Short: "Create every queue and its dead-letter queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("sagactl")
			if err != nil {
				return err
			}
			clients, err := aws.NewAWSClients(cmd.Context())
			if err != nil {
				return err
			}
			bus := transport.NewSQSBus(clients.SQS, transport.SQSOptions{
				QueuePrefix:     cfg.QueuePrefix,
				MaxReceiveCount: cfg.MaxReceiveCount,
				Logger:          logger.New("sagactl"),
			})
			if err := bus.Declare(cmd.Context(), contracts.Topology()); err != nil {
				return err
			}
			for _, b := range contracts.Topology() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %v\n", b.RoutingKey, bus.Routes(b.RoutingKey))
			}
			return nil
		},
	})
	return cmd
}
