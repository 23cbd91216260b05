package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	serviceName    = "cronflow"
	serviceVersion = "0.1.0"
)

func main() {
	root := &cobra.Command{
		Use:   serviceName,
		Short: "cronflow is a durable workflow orchestration engine",
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("%s %s\n", serviceName, serviceVersion)
			return nil
		},
	}
}
