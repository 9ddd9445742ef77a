package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-fulfillment-saga/internal/aws"
	"github.com/imrishuroy/go-fulfillment-saga/internal/config"
	"github.com/imrishuroy/go-fulfillment-saga/internal/service"
)

func tablesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "Manage DynamoDB tables",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create every missing table and index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("sagactl")
			if err != nil {
				return err
			}
			clients, err := aws.NewAWSClients(cmd.Context())
			if err != nil {
				return err
			}
			created, err := service.CreateTables(cmd.Context(), clients.Admin, cfg.Tables)
			for _, name := range created {
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", name)
			}
			if err != nil {
				return err
			}
			if len(created) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "all tables exist")
			}
			return nil
		},
	})
	return cmd
}
