package main

import (
	"github.com/spf13/cobra"
)

func init() {
	var connect bool
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the health, status and metrics server",
		Long:  "Serve /health, /ready, /status, /sessions, /events and /metrics, and keep the dashboard session open.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, l := loadService(nil)
			if connect {
				if err := svc.Connect(cmd.Context()); err != nil {
					return err
				}
			}
			l.Info("Starting the verifier service...")
			return svc.Start(cmd.Context())
		},
	}
	serveCmd.Flags().BoolVar(&connect, "connect", false, "Open a dashboard session before serving")
	rootCmd.AddCommand(serveCmd)
}
