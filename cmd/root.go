package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "courtsched",
		Short: "Court reservation scheduler that books slots the instant the booking window opens",
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServerCmd())
	root.AddCommand(newRequestCmd())
	root.AddCommand(newCourtsCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
