// Package main runs an in-memory Redis (miniredis) for local development,
// so the worker and server can be tried without a Redis installation.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"

	"github.com/guido-cesarano/jobqueue/pkg/logger"
)

func main() {
	var addr string
	cmd := &cobra.Command{
		Use:          "redis_server",
		Short:        "Run an in-memory Redis for development",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := miniredis.NewMiniRedis()
			if err := s.StartAddr(addr); err != nil {
				return err
			}
			defer s.Close()

			logger.Log.Info().Str("addr", s.Addr()).Msg("MiniRedis server started")

			// Wait for interrupt signal to gracefully shutdown
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan

			logger.Log.Info().Msg("Shutting down MiniRedis...")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:6379", "Listen address")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
