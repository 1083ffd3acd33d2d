package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/courtsched/internal/booking"
	"github.com/example/courtsched/internal/config"
)

func newCourtsCmd() *cobra.Command {
	var ping bool

	c := &cobra.Command{
		Use:   "courts",
		Short: "Show the courts the worker pool is bound to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			for _, court := range cfg.Courts {
				fmt.Printf("court %d\n", court)
			}
			if ping {
				client := booking.New(cfg.BookingBaseURL, booking.Credentials{APIKey: cfg.BookingAPIKey})
				if err := client.Ping(context.Background()); err != nil {
					return fmt.Errorf("booking surface unreachable: %w", err)
				}
				fmt.Println("booking surface: ok")
			}
			return nil
		},
	}

	c.Flags().BoolVar(&ping, "ping", false, "also check the booking surface is reachable")
	return c
}
